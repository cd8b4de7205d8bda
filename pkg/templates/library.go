// Package templates manages the on-disk scanner template library: curated
// rules, AI-generated drafts and their refinements, and user uploads.
package templates

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

const (
	aiDir     = "ai"
	uploadDir = "uploads"
)

// TemplateID derives the stable identifier for a template body. The same
// bytes always map to the same id, so re-uploads are idempotent.
func TemplateID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:16])
}

// Library is the filesystem-backed template store. All writes go through
// a temp-file-and-rename so the scanner never reads a half-written rule.
type Library struct {
	root   string
	logger *logrus.Logger

	mu      sync.RWMutex
	byID    map[string]*models.Template
	byCVE   map[string]*models.Template
	indexed time.Time
}

// NewLibrary opens (creating if needed) the template library rooted at dir
// and builds the in-memory index from what is already on disk.
func NewLibrary(dir string, logger *logrus.Logger) (*Library, error) {
	for _, sub := range []string{"", aiDir, uploadDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "create template dir")
		}
	}
	l := &Library{
		root:   dir,
		logger: logger,
		byID:   map[string]*models.Template{},
		byCVE:  map[string]*models.Template{},
	}
	if err := l.Reindex(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

// Root returns the library root directory
func (l *Library) Root() string {
	return l.root
}

// Reindex rebuilds the in-memory index by walking the library directory.
// Unparseable files are logged and skipped, never fatal.
func (l *Library) Reindex(ctx context.Context) error {
	byID := map[string]*models.Template{}
	byCVE := map[string]*models.Template{}

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		meta, err := Parse(body)
		if err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("Skipping unparseable template")
			return nil
		}
		rel, _ := filepath.Rel(l.root, path)
		tpl := &models.Template{
			TemplateID:        TemplateID(body),
			CVEID:             meta.CVEID(),
			Filename:          rel,
			Body:              body,
			Origin:            originForPath(rel),
			GenerationAttempt: refinementAttempt(rel),
			ValidationState:   models.ValidationUnvalidated,
		}
		if info, err := d.Info(); err == nil {
			tpl.StoredAt = info.ModTime()
		}
		byID[tpl.TemplateID] = tpl
		if tpl.CVEID != "" {
			// The highest refinement attempt wins for a CVE.
			if prev, ok := byCVE[tpl.CVEID]; !ok || tpl.GenerationAttempt >= prev.GenerationAttempt {
				byCVE[tpl.CVEID] = tpl
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "index template library")
	}

	l.mu.Lock()
	l.byID = byID
	l.byCVE = byCVE
	l.indexed = time.Now()
	l.mu.Unlock()

	l.logger.WithField("templates", len(byID)).Info("Template library indexed")
	return nil
}

// Get returns the indexed template with the given id
func (l *Library) Get(id string) (*models.Template, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tpl, ok := l.byID[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "template %s not found", id)
	}
	return tpl, nil
}

// ForCVE returns the newest template covering the given CVE, if any
func (l *Library) ForCVE(cveID string) (*models.Template, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tpl, ok := l.byCVE[strings.ToUpper(cveID)]
	return tpl, ok
}

// Count returns the number of indexed templates
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// StoreGenerated persists a first-attempt AI template for a CVE at
// ai/{cve}.yaml.
func (l *Library) StoreGenerated(cveID string, body []byte) (*models.Template, error) {
	return l.storeAI(cveID, body, 1, models.OriginAIGenerated)
}

// StoreRefined persists refinement attempt n for a CVE at
// ai/{cve}.r{n}.yaml, keeping earlier attempts on disk for inspection.
func (l *Library) StoreRefined(cveID string, body []byte, attempt int) (*models.Template, error) {
	if attempt < 2 {
		return nil, errs.New(errs.KindInvalidInput, "refinement attempt must be >= 2, got %d", attempt)
	}
	return l.storeAI(cveID, body, attempt, models.OriginAIRefined)
}

func (l *Library) storeAI(cveID string, body []byte, attempt int, origin models.TemplateOrigin) (*models.Template, error) {
	cveID = strings.ToUpper(strings.TrimSpace(cveID))
	if !validCVEID(cveID) {
		return nil, errs.New(errs.KindInvalidInput, "malformed CVE id %q", cveID)
	}
	if _, err := Parse(body); err != nil {
		return nil, err
	}

	name := cveID + ".yaml"
	if attempt > 1 {
		name = fmt.Sprintf("%s.r%d.yaml", cveID, attempt)
	}
	rel := filepath.Join(aiDir, name)
	if err := l.writeAtomic(rel, body); err != nil {
		return nil, err
	}

	tpl := &models.Template{
		TemplateID:        TemplateID(body),
		CVEID:             cveID,
		Filename:          rel,
		Body:              body,
		Origin:            origin,
		GenerationAttempt: attempt,
		ValidationState:   models.ValidationUnvalidated,
		StoredAt:          time.Now().UTC(),
	}
	l.index(tpl)
	l.logger.WithFields(logrus.Fields{
		"cve_id":   cveID,
		"template": rel,
		"attempt":  attempt,
	}).Info("Stored AI template")
	return tpl, nil
}

// StoreUpload persists a user-supplied template under uploads/, named by
// its content hash. Re-uploading identical bytes returns the same record.
func (l *Library) StoreUpload(body []byte) (*models.Template, error) {
	meta, err := Parse(body)
	if err != nil {
		return nil, err
	}
	id := TemplateID(body)

	l.mu.RLock()
	existing, ok := l.byID[id]
	l.mu.RUnlock()
	if ok {
		return existing, nil
	}

	rel := filepath.Join(uploadDir, id+".yaml")
	if err := l.writeAtomic(rel, body); err != nil {
		return nil, err
	}
	tpl := &models.Template{
		TemplateID:      id,
		CVEID:           meta.CVEID(),
		Filename:        rel,
		Body:            body,
		Origin:          models.OriginUserUploaded,
		ValidationState: models.ValidationUnvalidated,
		StoredAt:        time.Now().UTC(),
	}
	l.index(tpl)
	l.logger.WithFields(logrus.Fields{
		"template_id": id,
		"name":        meta.Name,
	}).Info("Stored uploaded template")
	return tpl, nil
}

// Resolve maps a template selector onto library-relative paths suitable
// for scanner -t arguments.
func (l *Library) Resolve(sel models.TemplateSelector) ([]string, error) {
	switch sel.Kind {
	case models.SelectorAll:
		return []string{"."}, nil
	case models.SelectorDirs:
		if len(sel.Dirs) == 0 {
			return nil, errs.New(errs.KindInvalidInput, "directory selector with no directories")
		}
		var out []string
		for _, dir := range sel.Dirs {
			rel, err := l.relPath(dir)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(filepath.Join(l.root, rel))
			if err != nil || !info.IsDir() {
				return nil, errs.New(errs.KindNotFound, "template directory %q not found", dir)
			}
			out = append(out, rel)
		}
		return out, nil
	case models.SelectorFile:
		rel, err := l.relPath(sel.File)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(filepath.Join(l.root, rel))
		if err != nil || info.IsDir() {
			return nil, errs.New(errs.KindNotFound, "template file %q not found", sel.File)
		}
		return []string{rel}, nil
	default:
		return nil, errs.New(errs.KindInvalidInput, "unknown selector kind %q", sel.Kind)
	}
}

// relPath normalizes a user-supplied path and rejects escapes from the
// library root.
func (l *Library) relPath(p string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return "", errs.New(errs.KindInvalidInput, "template path %q escapes library", p)
		}
	}
	rel := strings.TrimPrefix(filepath.Clean("/"+p), "/")
	if rel == "" || rel == "." {
		return "", errs.New(errs.KindInvalidInput, "empty template path")
	}
	return rel, nil
}

func (l *Library) index(tpl *models.Template) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[tpl.TemplateID] = tpl
	if tpl.CVEID != "" {
		if prev, ok := l.byCVE[tpl.CVEID]; !ok || tpl.GenerationAttempt >= prev.GenerationAttempt {
			l.byCVE[tpl.CVEID] = tpl
		}
	}
}

func (l *Library) writeAtomic(rel string, body []byte) error {
	dst := filepath.Join(l.root, rel)
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "create temp template")
	}
	name := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(name)
		return errs.Wrap(errs.KindInternal, err, "write template")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errs.Wrap(errs.KindInternal, err, "close template")
	}
	if err := os.Rename(name, dst); err != nil {
		os.Remove(name)
		return errs.Wrap(errs.KindInternal, err, "publish template")
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func originForPath(rel string) models.TemplateOrigin {
	switch {
	case strings.HasPrefix(rel, uploadDir+string(filepath.Separator)):
		return models.OriginUserUploaded
	case strings.HasPrefix(rel, aiDir+string(filepath.Separator)):
		if refinementAttempt(rel) > 1 {
			return models.OriginAIRefined
		}
		return models.OriginAIGenerated
	default:
		return models.OriginCurated
	}
}

// refinementAttempt extracts n from names like CVE-2024-1234.r2.yaml;
// plain names count as attempt 1.
func refinementAttempt(rel string) int {
	base := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	i := strings.LastIndex(base, ".r")
	if i < 0 {
		return 1
	}
	n := 0
	if _, err := fmt.Sscanf(base[i:], ".r%d", &n); err != nil || n < 2 {
		return 1
	}
	return n
}

var cveIDRe = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

func validCVEID(id string) bool {
	return cveIDRe.MatchString(id)
}
