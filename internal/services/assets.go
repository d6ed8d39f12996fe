package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	samplesSubdir   = "samples"
	synthdefsSubdir = "synthdefs"
	metadataName    = "metadata.json"

	synthdefExtension = ".scd"

	defaultMaxSampleBytes = 50 << 20
	defaultMaxTotalBytes  = 2 << 30
)

var sampleExtensions = map[string]bool{
	".wav":  true,
	".aif":  true,
	".aiff": true,
	".aifc": true,
}

var (
	ErrAssetNotFound        = errors.New("asset not found")
	ErrUnsupportedAssetType = errors.New("unsupported asset type")
	ErrAssetTooLarge        = errors.New("asset exceeds file size limit")
	ErrStorageFull          = errors.New("asset storage limit exceeded")
	ErrInvalidAssetName     = errors.New("invalid asset name")
)

// SampleInfo describes one stored sample.
type SampleInfo struct {
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Path       string   `json:"path"`
	Size       int64    `json:"size"`
	UploadedAt string   `json:"uploaded_at"`
	Tags       []string `json:"tags"`
}

// SynthDefInfo describes one stored SuperCollider synthdef.
type SynthDefInfo struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	UploadedAt string `json:"uploaded_at"`
}

// AssetsInfo summarizes storage usage for the info endpoint.
type AssetsInfo struct {
	Storage struct {
		TotalSizeMB  float64 `json:"total_size_mb"`
		FileLimitMB  float64 `json:"file_limit_mb"`
		TotalLimitMB float64 `json:"total_limit_mb"`
	} `json:"storage"`
	Samples struct {
		Total      int            `json:"total"`
		Categories map[string]int `json:"categories"`
	} `json:"samples"`
	SynthDefs struct {
		Total int `json:"total"`
	} `json:"synthdefs"`
	Paths struct {
		Samples   string `json:"samples"`
		SynthDefs string `json:"synthdefs"`
	} `json:"paths"`
}

// AssetsConfig sizes the asset store. Zero limits fall back to 50 MB per
// sample and 2 GB overall.
type AssetsConfig struct {
	Root           string
	MaxSampleBytes int64
	MaxTotalBytes  int64
}

// AssetsService stores user samples and synthdefs on disk under a single
// root, with a metadata.json sidecar carrying upload time and tags.
// Samples land in {root}/samples/{category}/ so a SuperDirt pointed at the
// root picks each category up as a sound bank.
type AssetsService struct {
	root           string
	maxSampleBytes int64
	maxTotalBytes  int64

	// mu serializes metadata read-modify-write cycles.
	mu sync.Mutex
}

// NewAssetsService builds a store rooted at cfg.Root. Directories are
// created lazily on first write.
func NewAssetsService(cfg AssetsConfig) *AssetsService {
	if cfg.MaxSampleBytes <= 0 {
		cfg.MaxSampleBytes = defaultMaxSampleBytes
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = defaultMaxTotalBytes
	}
	return &AssetsService{
		root:           cfg.Root,
		maxSampleBytes: cfg.MaxSampleBytes,
		maxTotalBytes:  cfg.MaxTotalBytes,
	}
}

func (a *AssetsService) samplesDir() string   { return filepath.Join(a.root, samplesSubdir) }
func (a *AssetsService) synthdefsDir() string { return filepath.Join(a.root, synthdefsSubdir) }

// SaveSample validates and stores an uploaded sample under its category.
func (a *AssetsService) SaveSample(category, filename string, data []byte, tags []string) (SampleInfo, error) {
	if err := validAssetName(category); err != nil {
		return SampleInfo{}, err
	}
	if err := validAssetName(filename); err != nil {
		return SampleInfo{}, err
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !sampleExtensions[ext] {
		return SampleInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedAssetType, ext)
	}
	if int64(len(data)) > a.maxSampleBytes {
		return SampleInfo{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrAssetTooLarge, len(data), a.maxSampleBytes)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.totalSampleBytes()
	if err != nil {
		return SampleInfo{}, err
	}
	if used+int64(len(data)) > a.maxTotalBytes {
		return SampleInfo{}, fmt.Errorf("%w: %d bytes used (limit %d)", ErrStorageFull, used, a.maxTotalBytes)
	}

	categoryDir := filepath.Join(a.samplesDir(), category)
	if err := os.MkdirAll(categoryDir, 0o755); err != nil {
		return SampleInfo{}, fmt.Errorf("create category dir: %w", err)
	}
	path := filepath.Join(categoryDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return SampleInfo{}, fmt.Errorf("write sample: %w", err)
	}

	meta, err := a.loadMetadata()
	if err != nil {
		return SampleInfo{}, err
	}
	uploadedAt := time.Now().Format(time.RFC3339)
	meta.Samples[category+"/"+filename] = sampleMeta{
		UploadedAt:   uploadedAt,
		OriginalName: filename,
		Tags:         cleanTags(tags),
		Size:         int64(len(data)),
	}
	if err := a.saveMetadata(meta); err != nil {
		return SampleInfo{}, err
	}

	return SampleInfo{
		Name:       filename,
		Category:   category,
		Path:       filepath.Join(samplesSubdir, category, filename),
		Size:       int64(len(data)),
		UploadedAt: uploadedAt,
		Tags:       cleanTags(tags),
	}, nil
}

// Samples lists stored samples grouped by category.
func (a *AssetsService) Samples() (map[string][]SampleInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	meta, err := a.loadMetadata()
	if err != nil {
		return nil, err
	}

	categories := make(map[string][]SampleInfo)
	entries, err := os.ReadDir(a.samplesDir())
	if errors.Is(err, os.ErrNotExist) {
		return categories, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read samples dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		category := entry.Name()
		files, err := os.ReadDir(filepath.Join(a.samplesDir(), category))
		if err != nil {
			continue
		}
		var infos []SampleInfo
		for _, file := range files {
			if file.IsDir() || !sampleExtensions[strings.ToLower(filepath.Ext(file.Name()))] {
				continue
			}
			fi, err := file.Info()
			if err != nil {
				continue
			}
			sm := meta.Samples[category+"/"+file.Name()]
			infos = append(infos, SampleInfo{
				Name:       file.Name(),
				Category:   category,
				Path:       filepath.Join(samplesSubdir, category, file.Name()),
				Size:       fi.Size(),
				UploadedAt: sm.UploadedAt,
				Tags:       sm.Tags,
			})
		}
		if len(infos) > 0 {
			sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
			categories[category] = infos
		}
	}
	return categories, nil
}

// DeleteSample removes one sample and its metadata entry. Empty category
// directories are pruned.
func (a *AssetsService) DeleteSample(category, filename string) error {
	if err := validAssetName(category); err != nil {
		return err
	}
	if err := validAssetName(filename); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.samplesDir(), category, filename)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ErrAssetNotFound
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete sample: %w", err)
	}

	meta, err := a.loadMetadata()
	if err != nil {
		return err
	}
	delete(meta.Samples, category+"/"+filename)
	if err := a.saveMetadata(meta); err != nil {
		return err
	}

	categoryDir := filepath.Join(a.samplesDir(), category)
	if remaining, err := os.ReadDir(categoryDir); err == nil && len(remaining) == 0 {
		_ = os.Remove(categoryDir)
	}
	return nil
}

// SaveSynthDef stores a .scd file.
func (a *AssetsService) SaveSynthDef(filename string, data []byte) (SynthDefInfo, error) {
	if err := validAssetName(filename); err != nil {
		return SynthDefInfo{}, err
	}
	if !strings.HasSuffix(filename, synthdefExtension) {
		return SynthDefInfo{}, fmt.Errorf("%w: want %s", ErrUnsupportedAssetType, synthdefExtension)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.synthdefsDir(), 0o755); err != nil {
		return SynthDefInfo{}, fmt.Errorf("create synthdefs dir: %w", err)
	}
	path := filepath.Join(a.synthdefsDir(), filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return SynthDefInfo{}, fmt.Errorf("write synthdef: %w", err)
	}

	meta, err := a.loadMetadata()
	if err != nil {
		return SynthDefInfo{}, err
	}
	uploadedAt := time.Now().Format(time.RFC3339)
	meta.SynthDefs[filename] = synthdefMeta{UploadedAt: uploadedAt}
	if err := a.saveMetadata(meta); err != nil {
		return SynthDefInfo{}, err
	}

	return SynthDefInfo{
		Name:       filename,
		Path:       filepath.Join(synthdefsSubdir, filename),
		UploadedAt: uploadedAt,
	}, nil
}

// SynthDefs lists stored synthdefs.
func (a *AssetsService) SynthDefs() ([]SynthDefInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	meta, err := a.loadMetadata()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(a.synthdefsDir())
	if errors.Is(err, os.ErrNotExist) {
		return []SynthDefInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read synthdefs dir: %w", err)
	}

	infos := make([]SynthDefInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), synthdefExtension) {
			continue
		}
		infos = append(infos, SynthDefInfo{
			Name:       entry.Name(),
			Path:       filepath.Join(synthdefsSubdir, entry.Name()),
			UploadedAt: meta.SynthDefs[entry.Name()].UploadedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// DeleteSynthDef removes one synthdef; the extension may be omitted. It
// returns the filename actually deleted.
func (a *AssetsService) DeleteSynthDef(filename string) (string, error) {
	if !strings.HasSuffix(filename, synthdefExtension) {
		filename += synthdefExtension
	}
	if err := validAssetName(filename); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.synthdefsDir(), filename)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", ErrAssetNotFound
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("delete synthdef: %w", err)
	}

	meta, err := a.loadMetadata()
	if err != nil {
		return "", err
	}
	delete(meta.SynthDefs, filename)
	return filename, a.saveMetadata(meta)
}

// Info reports storage totals and limits.
func (a *AssetsService) Info() (AssetsInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var info AssetsInfo
	used, err := a.totalSampleBytes()
	if err != nil {
		return info, err
	}
	info.Storage.TotalSizeMB = roundMB(used)
	info.Storage.FileLimitMB = roundMB(a.maxSampleBytes)
	info.Storage.TotalLimitMB = roundMB(a.maxTotalBytes)
	info.Paths.Samples = a.samplesDir()
	info.Paths.SynthDefs = a.synthdefsDir()
	info.Samples.Categories = make(map[string]int)

	if entries, err := os.ReadDir(a.samplesDir()); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(a.samplesDir(), entry.Name()))
			if err != nil {
				continue
			}
			count := 0
			for _, f := range files {
				if !f.IsDir() {
					count++
				}
			}
			if count > 0 {
				info.Samples.Categories[entry.Name()] = count
				info.Samples.Total += count
			}
		}
	}
	if entries, err := os.ReadDir(a.synthdefsDir()); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), synthdefExtension) {
				info.SynthDefs.Total++
			}
		}
	}
	return info, nil
}

type assetMetadata struct {
	Samples   map[string]sampleMeta   `json:"samples"`
	SynthDefs map[string]synthdefMeta `json:"synthdefs"`
}

type sampleMeta struct {
	UploadedAt   string   `json:"uploaded_at"`
	OriginalName string   `json:"original_name"`
	Tags         []string `json:"tags"`
	Size         int64    `json:"size"`
}

type synthdefMeta struct {
	UploadedAt string `json:"uploaded_at"`
}

func (a *AssetsService) metadataPath() string {
	return filepath.Join(a.root, metadataName)
}

func (a *AssetsService) loadMetadata() (assetMetadata, error) {
	meta := assetMetadata{
		Samples:   make(map[string]sampleMeta),
		SynthDefs: make(map[string]synthdefMeta),
	}
	data, err := os.ReadFile(a.metadataPath())
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("read asset metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse asset metadata: %w", err)
	}
	if meta.Samples == nil {
		meta.Samples = make(map[string]sampleMeta)
	}
	if meta.SynthDefs == nil {
		meta.SynthDefs = make(map[string]synthdefMeta)
	}
	return meta, nil
}

func (a *AssetsService) saveMetadata(meta assetMetadata) error {
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return fmt.Errorf("create assets dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode asset metadata: %w", err)
	}
	if err := os.WriteFile(a.metadataPath(), data, 0o644); err != nil {
		return fmt.Errorf("write asset metadata: %w", err)
	}
	return nil
}

func (a *AssetsService) totalSampleBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(a.samplesDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan samples dir: %w", err)
	}
	return total, nil
}

// validAssetName rejects anything that could escape the storage root.
func validAssetName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidAssetName
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return ErrInvalidAssetName
	}
	return nil
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func roundMB(bytes int64) float64 {
	return float64(bytes*100/(1024*1024)) / 100
}
