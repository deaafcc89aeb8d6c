package keys

import (
	"fmt"
	"image/color"
	"log/slog"
	"sync"

	"github.com/golang/geo/r2"

	"bundler/internal/imageinfo"
)

// Loader reads the keypoints of one image.
type Loader func(index int, im Image) ([]Keypoint, error)

type entry struct {
	keys []Keypoint
	refs int
}

// Store hands out per-image keypoint buffers. Buffers are reference
// counted and dropped when the last holder releases them, unless the store
// keeps everything resident.
type Store struct {
	mu      sync.Mutex
	images  []Image
	entries map[int]*entry
	load    Loader
	prober  imageinfo.Prober
	keep    bool
	log     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLoader replaces the key-file loader.
func WithLoader(l Loader) Option { return func(s *Store) { s.load = l } }

// WithKeep keeps buffers resident after release.
func WithKeep(keep bool) Option { return func(s *Store) { s.keep = keep } }

// WithProber sets how missing image dimensions are found.
func WithProber(p imageinfo.Prober) Option { return func(s *Store) { s.prober = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// NewStore wraps the image list.
func NewStore(images []Image, opts ...Option) *Store {
	s := &Store{
		images:  images,
		entries: make(map[int]*entry),
		prober:  imageinfo.Magick{},
		log:     slog.Default(),
	}
	s.load = s.loadFile
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NumImages returns the length of the image list.
func (s *Store) NumImages() int { return len(s.images) }

// Image returns entry i of the list.
func (s *Store) Image(i int) Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images[i]
}

// Images returns a copy of the list.
func (s *Store) Images() []Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Image(nil), s.images...)
}

// Dimensions returns the size of image i, probing the file on first use.
func (s *Store) Dimensions(i int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dimensionsLocked(i)
}

func (s *Store) dimensionsLocked(i int) (int, int, error) {
	im := &s.images[i]
	if im.Width > 0 && im.Height > 0 {
		return im.Width, im.Height, nil
	}
	w, h, err := s.prober.Dimensions(im.Name)
	if err != nil {
		return 0, 0, err
	}
	im.Width, im.Height = w, h
	return w, h, nil
}

// Colors samples image i at the given centred, y-up positions.
func (s *Store) Colors(i int, pts []r2.Point) ([]color.RGBA, error) {
	if i < 0 || i >= len(s.images) {
		return nil, fmt.Errorf("image %d out of range [0, %d)", i, len(s.images))
	}
	s.mu.Lock()
	w, h, err := s.dimensionsLocked(i)
	name := s.images[i].Name
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pixels := make([][2]int, len(pts))
	for k, p := range pts {
		pixels[k] = PixelOf(p, w, h)
	}
	return s.prober.Colors(name, pixels)
}

// Acquire returns the keypoints of image i and a release function. Callers
// defer release so the buffer is dropped on every exit path.
func (s *Store) Acquire(i int) ([]Keypoint, func(), error) {
	if i < 0 || i >= len(s.images) {
		return nil, func() {}, fmt.Errorf("image %d out of range [0, %d)", i, len(s.images))
	}
	s.mu.Lock()
	e, ok := s.entries[i]
	if !ok {
		keys, err := s.load(i, s.images[i])
		if err != nil {
			s.mu.Unlock()
			return nil, func() {}, fmt.Errorf("load keys for image %d: %w", i, err)
		}
		e = &entry{keys: keys}
		s.entries[i] = e
	}
	e.refs++
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { s.release(i) })
	}
	return e.keys, release, nil
}

func (s *Store) release(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[i]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 && !s.keep {
		delete(s.entries, i)
	}
}

// Resident returns how many images currently have keys in memory.
func (s *Store) Resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// loadFile is the default loader; it runs with s.mu held.
func (s *Store) loadFile(i int, im Image) ([]Keypoint, error) {
	path := ResolveKeyPath(im)
	if path == "" {
		return nil, fmt.Errorf("no key file for %s (tried %s)", im.Name, im.KeyPath)
	}
	w, h, err := s.dimensionsLocked(i)
	if err != nil {
		return nil, err
	}
	keys, err := ReadKeyFile(path, w, h)
	if err != nil {
		return nil, err
	}
	s.log.Debug("keys loaded", "image", i, "count", len(keys))
	return keys, nil
}
