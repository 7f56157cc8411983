package glr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// documentTokenLength is the number of digest characters used for a stored
// document's identifier.
const documentTokenLength = 15

// FallbackCategory receives documents whose category is not recognized.
const FallbackCategory = "Altro"

// BuiltinCategories are the section document categories every install has.
// The first one is the default for an empty category.
var BuiltinCategories = []string{
	"Verbali CD",
	"Bilanci",
	"Regolamenti",
	"Modulistica",
	"Documenti ARI",
	"Quote ARI",
	FallbackCategory,
}

// documentIgnore hides temp files and dotfiles from reindexing.
var documentIgnore = []string{".*", "*.tmp"}

var tokenNameRe = regexp.MustCompile(`^[0-9a-f]{15,64}$`)

// Document is the registry record for one stored section document.
type Document struct {
	ID           int64
	Token        string
	ContentHash  string
	Category     string
	OriginalName string
	StoredName   string
	Description  string
	RelativePath string
	UploadedAt   time.Time
	DeletedAt    *time.Time
}

// DocumentRegistry persists document records. Lookups return nil, nil when
// nothing matches. Only live (not deleted) records are returned unless stated.
type DocumentRegistry interface {
	InsertDocument(ctx context.Context, d *Document) (int64, error)
	GetDocument(ctx context.Context, id int64) (*Document, error)
	FindDocumentByHash(ctx context.Context, contentHash string) (*Document, error)
	// TokenInUse reports whether any record, deleted or not, uses token.
	TokenInUse(ctx context.Context, token string) (bool, error)
	ListDocuments(ctx context.Context) ([]*Document, error)
	UpdateDocument(ctx context.Context, d *Document) error
	SoftDeleteDocument(ctx context.Context, id int64, at time.Time) error
}

// DocumentEntry is a live record together with the state of its file.
type DocumentEntry struct {
	*Document
	Path    string
	Size    int64
	ModTime time.Time
	Missing bool
}

// ReindexOptions controls Reindex.
type ReindexOptions struct {
	// DryRun reports what would change without touching the registry.
	DryRun bool
	// ImportOrphans registers files on disk that have no record.
	ImportOrphans bool
}

// DocumentMove is a record whose file was found at a different location.
type DocumentMove struct {
	ID      int64
	OldPath string
	NewPath string
}

// ReindexReport lists what Reindex found and did.
type ReindexReport struct {
	Checked  int
	Moved    []DocumentMove
	Missing  []*Document
	Orphans  []string
	Imported []*Document
	Errors   []string
}

// DocumentStore keeps section documents in one directory per category under
// root, named by a content-derived token, with a registry record per file.
type DocumentStore struct {
	root       string
	registry   DocumentRegistry
	fsmgr      FilesystemManager
	categories []string
	logger     Logger
	clock      Clock
}

func NewDocumentStore(root string, registry DocumentRegistry, fsmgr FilesystemManager, customCategories []string, logger Logger, clock Clock) *DocumentStore {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	cats := append([]string(nil), BuiltinCategories...)
	for _, c := range customCategories {
		c = strings.TrimSpace(c)
		if c == "" || containsFold(cats, c) {
			continue
		}
		cats = append(cats, c)
	}
	return &DocumentStore{
		root:       root,
		registry:   registry,
		fsmgr:      fsmgr,
		categories: cats,
		logger:     logger,
		clock:      clock,
	}
}

// Categories returns the built-in and configured categories.
func (s *DocumentStore) Categories() []string {
	return append([]string(nil), s.categories...)
}

// NormalizeCategory maps a user-supplied label to a known category. Matching
// is case-insensitive; empty selects the default and unknown labels map to
// FallbackCategory.
func (s *DocumentStore) NormalizeCategory(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return s.categories[0]
	}
	for _, c := range s.categories {
		if strings.EqualFold(c, label) {
			return c
		}
	}
	return FallbackCategory
}

// CategorySlug is the directory name used for a category.
func CategorySlug(label string) string {
	slug := strings.Join(strings.Fields(strings.ToLower(label)), "_")
	if slug == "" {
		return "misc"
	}
	return slug
}

func (s *DocumentStore) categoryFromSlug(slug string) string {
	for _, c := range s.categories {
		if CategorySlug(c) == strings.ToLower(slug) {
			return c
		}
	}
	return s.categories[0]
}

// Path returns the absolute location of a record's file.
func (s *DocumentStore) Path(d *Document) string {
	return filepath.Join(s.root, filepath.FromSlash(d.RelativePath))
}

// Add stores a copy of src under category. When identical content is already
// registered the existing record is returned with dup set and nothing is copied.
func (s *DocumentStore) Add(ctx context.Context, src, category, description string) (doc *Document, dup bool, err error) {
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, newError(KindNotFound, "add document", src, fmt.Errorf("source file not found"))
		}
		return nil, false, newError(KindUnreadable, "add document", src, err)
	}
	if !info.Mode().IsRegular() {
		return nil, false, newError(KindUnreadable, "add document", src, fmt.Errorf("not a regular file"))
	}

	digest, err := HashFile(src)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.registry.FindDocumentByHash(ctx, digest)
	if err != nil {
		return nil, false, fmt.Errorf("looking up document by hash: %w", err)
	}
	if existing != nil {
		s.logger.Info("document already stored", "id", existing.ID, "token", existing.Token, "source", src)
		return existing, true, nil
	}

	cat := s.NormalizeCategory(category)
	dir := filepath.Join(s.root, CategorySlug(cat))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("creating category directory: %w", err)
	}

	token, err := s.allocateToken(ctx, digest)
	if err != nil {
		return nil, false, err
	}
	stored := token + strings.ToLower(filepath.Ext(src))
	dest := filepath.Join(dir, stored)
	if ok, err := fileExists(dest); err != nil {
		return nil, false, fmt.Errorf("checking destination: %w", err)
	} else if ok {
		return nil, false, fmt.Errorf("destination already exists: %s", dest)
	}

	if _, err := copyFileAtomic(src, dest, digest); err != nil {
		return nil, false, newError(KindUnreadable, "add document", src, err)
	}

	doc = &Document{
		Token:        token,
		ContentHash:  digest,
		Category:     cat,
		OriginalName: filepath.Base(src),
		StoredName:   stored,
		Description:  strings.TrimSpace(description),
		RelativePath: path.Join(CategorySlug(cat), stored),
		UploadedAt:   s.clock.Now().UTC().Truncate(time.Second),
	}
	id, err := s.registry.InsertDocument(ctx, doc)
	if err != nil {
		os.Remove(dest)
		return nil, false, fmt.Errorf("registering document: %w", err)
	}
	doc.ID = id

	s.logger.Info("document stored", "id", id, "token", token, "category", cat, "original_name", doc.OriginalName)
	return doc, false, nil
}

// allocateToken returns the shortest unused digest prefix of at least
// documentTokenLength characters.
func (s *DocumentStore) allocateToken(ctx context.Context, digest string) (string, error) {
	for n := documentTokenLength; n <= len(digest); n++ {
		token := digest[:n]
		used, err := s.registry.TokenInUse(ctx, token)
		if err != nil {
			return "", fmt.Errorf("checking token: %w", err)
		}
		if !used {
			return token, nil
		}
	}
	return "", fmt.Errorf("no free token for digest %s", digest)
}

// List returns every live record. Records whose file is gone are flagged
// Missing rather than dropped.
func (s *DocumentStore) List(ctx context.Context) ([]DocumentEntry, error) {
	docs, err := s.registry.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	out := make([]DocumentEntry, 0, len(docs))
	for _, d := range docs {
		e := DocumentEntry{Document: d, Path: s.Path(d)}
		info, err := os.Stat(e.Path)
		if err != nil {
			e.Missing = true
		} else {
			e.Size = info.Size()
			e.ModTime = info.ModTime()
		}
		out = append(out, e)
	}
	return out, nil
}

// Missing returns the live records whose file does not exist.
func (s *DocumentStore) Missing(ctx context.Context) ([]DocumentEntry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []DocumentEntry
	for _, e := range entries {
		if e.Missing {
			out = append(out, e)
		}
	}
	return out, nil
}

// Update changes a record's category and description. A category change
// moves the file into the new category directory.
func (s *DocumentStore) Update(ctx context.Context, id int64, category, description string) (*Document, error) {
	d, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	cat := s.NormalizeCategory(category)
	if cat != d.Category || CategorySlug(cat) != path.Dir(d.RelativePath) {
		newRel := path.Join(CategorySlug(cat), d.StoredName)
		newPath := filepath.Join(s.root, filepath.FromSlash(newRel))
		if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating category directory: %w", err)
		}
		if ok, err := fileExists(newPath); err != nil {
			return nil, fmt.Errorf("checking destination: %w", err)
		} else if ok {
			return nil, fmt.Errorf("destination already exists: %s", newPath)
		}
		if err := os.Rename(s.Path(d), newPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, newError(KindNotFound, "update document", s.Path(d), fmt.Errorf("document file is missing"))
			}
			return nil, fmt.Errorf("moving document: %w", err)
		}
		s.logger.Info("document moved", "id", id, "from", d.RelativePath, "to", newRel)
		d.RelativePath = newRel
		d.Category = cat
	}
	d.Description = strings.TrimSpace(description)

	if err := s.registry.UpdateDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("updating document: %w", err)
	}
	return d, nil
}

// Delete soft-deletes the record and removes its file. A file that is
// already gone is not an error.
func (s *DocumentStore) Delete(ctx context.Context, id int64) error {
	d, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.registry.SoftDeleteDocument(ctx, id, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("deleting document record: %w", err)
	}
	if err := os.Remove(s.Path(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("removing document file failed", "id", id, "path", s.Path(d), "error", err)
		return fmt.Errorf("removing document file: %w", err)
	}
	s.logger.Info("document deleted", "id", id, "token", d.Token)
	return nil
}

func (s *DocumentStore) get(ctx context.Context, id int64) (*Document, error) {
	d, err := s.registry.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading document: %w", err)
	}
	if d == nil {
		return nil, newError(KindNotFound, "document", fmt.Sprint(id), fmt.Errorf("no such document"))
	}
	return d, nil
}

// Reindex reconciles the registry with the files under root. Records whose
// file moved are pointed at the new location (found by stored name), records
// with no file are reported, and files with no record are reported or
// imported. Records are never deleted.
func (s *DocumentStore) Reindex(ctx context.Context, opts ReindexOptions) (*ReindexReport, error) {
	docs, err := s.registry.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	files, err := s.fsmgr.FindFiles(s.root, documentIgnore)
	if err != nil {
		return nil, fmt.Errorf("scanning document root: %w", err)
	}

	byRel := make(map[string]FileEntry, len(files))
	byName := make(map[string][]FileEntry)
	for _, f := range files {
		byRel[f.RelPath] = f
		name := path.Base(f.RelPath)
		byName[name] = append(byName[name], f)
	}

	claimed := make(map[string]bool, len(files))
	for _, d := range docs {
		if _, ok := byRel[d.RelativePath]; ok {
			claimed[d.RelativePath] = true
		}
	}

	report := &ReindexReport{Checked: len(docs)}
	for _, d := range docs {
		if claimed[d.RelativePath] {
			continue
		}
		var candidates []FileEntry
		for _, f := range byName[d.StoredName] {
			if !claimed[f.RelPath] {
				candidates = append(candidates, f)
			}
		}
		if len(candidates) != 1 {
			report.Missing = append(report.Missing, d)
			continue
		}

		f := candidates[0]
		claimed[f.RelPath] = true
		report.Moved = append(report.Moved, DocumentMove{ID: d.ID, OldPath: d.RelativePath, NewPath: f.RelPath})
		if opts.DryRun {
			continue
		}
		d.RelativePath = f.RelPath
		d.Category = s.categoryFromSlug(path.Dir(f.RelPath))
		if err := s.registry.UpdateDocument(ctx, d); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("updating document %d: %v", d.ID, err))
		}
	}

	for _, f := range files {
		if claimed[f.RelPath] {
			continue
		}
		report.Orphans = append(report.Orphans, f.RelPath)
		if !opts.ImportOrphans || opts.DryRun {
			continue
		}
		d, err := s.importOrphan(ctx, f)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("importing %s: %v", f.RelPath, err))
			continue
		}
		if d != nil {
			report.Imported = append(report.Imported, d)
		}
	}

	s.logger.Info("documents reindexed", "checked", report.Checked, "moved", len(report.Moved),
		"missing", len(report.Missing), "orphans", len(report.Orphans), "imported", len(report.Imported),
		"dry_run", opts.DryRun)
	return report, nil
}

// importOrphan registers an unrecorded file in place. Content already
// registered elsewhere is skipped and yields nil.
func (s *DocumentStore) importOrphan(ctx context.Context, f FileEntry) (*Document, error) {
	digest, err := HashFile(f.Path)
	if err != nil {
		return nil, err
	}
	if existing, err := s.registry.FindDocumentByHash(ctx, digest); err != nil {
		return nil, err
	} else if existing != nil {
		s.logger.Warn("orphan duplicates a registered document", "path", f.RelPath, "id", existing.ID)
		return nil, nil
	}

	name := path.Base(f.RelPath)
	token := strings.TrimSuffix(name, path.Ext(name))
	used := true
	if tokenNameRe.MatchString(token) {
		if used, err = s.registry.TokenInUse(ctx, token); err != nil {
			return nil, err
		}
	}
	if used {
		if token, err = s.allocateToken(ctx, digest); err != nil {
			return nil, err
		}
	}

	d := &Document{
		Token:        token,
		ContentHash:  digest,
		Category:     s.categoryFromSlug(path.Dir(f.RelPath)),
		OriginalName: name,
		StoredName:   name,
		RelativePath: f.RelPath,
		UploadedAt:   f.ModTime.UTC().Truncate(time.Second),
	}
	id, err := s.registry.InsertDocument(ctx, d)
	if err != nil {
		return nil, err
	}
	d.ID = id
	s.logger.Info("orphan document imported", "id", id, "path", f.RelPath)
	return d, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
