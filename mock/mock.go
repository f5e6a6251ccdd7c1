// Package mock contains in-memory fakes used in tests: an object store
// and a format plugin with canned grids.
package mock

import (
	"io/ioutil"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

var _ rastermill.ObjectStore = (*ObjectStore)(nil)

// ObjectStore is an in-memory rastermill.ObjectStore.
type ObjectStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

// NewObjectStore returns an empty in-memory object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{buckets: make(map[string]map[string][]byte)}
}

// Put stores data under bucket/key, creating the bucket as needed.
func (s *ObjectStore) Put(bucket, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), data...)
	return nil
}

// Get returns the stored bytes, for test assertions.
func (s *ObjectStore) Get(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.buckets[bucket][key]
	return data, ok
}

// List returns objects under prefix in key order.
func (s *ObjectStore) List(bucket, prefix string) ([]rastermill.StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rastermill.StoredObject
	for k, v := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, rastermill.StoredObject{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Download writes the object to localPath.
func (s *ObjectStore) Download(bucket, key, localPath string) error {
	s.mu.Lock()
	data, ok := s.buckets[bucket][key]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("no such object %s/%s", bucket, key)
	}
	return ioutil.WriteFile(localPath, data, 0644)
}

// Copy duplicates an object between buckets.
func (s *ObjectStore) Copy(srcBucket, srcKey, dstBucket, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.buckets[srcBucket][srcKey]
	if !ok {
		return errors.Errorf("no such object %s/%s", srcBucket, srcKey)
	}
	b, ok := s.buckets[dstBucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[dstBucket] = b
	}
	b[dstKey] = append([]byte(nil), data...)
	return nil
}

// Delete removes an object. Deleting a missing object is not an error,
// matching S3.
func (s *ObjectStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

var _ rastermill.FormatPlugin = (*Plugin)(nil)

// PluginVariable is one canned variable served by Plugin.
type PluginVariable struct {
	Descriptor rastermill.VariableDescriptor
	Units      string
	Data       []float32
	Timestamps []time.Time
}

// Plugin is a rastermill.FormatPlugin serving fixed in-memory grids,
// for exercising the ingestion pipeline without real format files.
type Plugin struct {
	FormatName string
	Ext        []string
	Width      int
	Height     int
	Bounds     rastermill.Bounds
	Variables  []PluginVariable
}

func (p *Plugin) Name() string         { return p.FormatName }
func (p *Plugin) Extensions() []string { return p.Ext }

func (p *Plugin) CanHandle(path string) bool {
	for _, ext := range p.Ext {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func (p *Plugin) ListVariables(path string) ([]rastermill.VariableDescriptor, error) {
	out := make([]rastermill.VariableDescriptor, len(p.Variables))
	for i, v := range p.Variables {
		out[i] = v.Descriptor
	}
	return out, nil
}

func (p *Plugin) find(sel rastermill.Selector) (*PluginVariable, error) {
	for i := range p.Variables {
		v := &p.Variables[i]
		if sel.Key != nil && v.Descriptor.Key != nil {
			if v.Descriptor.Key.ShortName == sel.Key.ShortName &&
				v.Descriptor.Key.LevelType == sel.Key.LevelType &&
				levelEq(v.Descriptor.Key.Level, sel.Key.Level) {
				return v, nil
			}
			continue
		}
		if v.Descriptor.Name == sel.Name {
			return v, nil
		}
	}
	return nil, errors.Errorf("variable %q not found", sel.Name)
}

func levelEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (p *Plugin) Timestamps(path string, sel rastermill.Selector) ([]time.Time, error) {
	v, err := p.find(sel)
	if err != nil {
		return nil, err
	}
	return v.Timestamps, nil
}

func (p *Plugin) Open(path string, sel rastermill.Selector, ts time.Time, win *rastermill.Window) (*rastermill.VariableView, error) {
	v, err := p.find(sel)
	if err != nil {
		return nil, err
	}
	width, height := p.Width, p.Height
	bounds := p.Bounds
	data := v.Data
	if win != nil {
		width, height = win.Width, win.Height
		sub := make([]float32, 0, width*height)
		for y := win.Y; y < win.Y+win.Height; y++ {
			sub = append(sub, v.Data[y*p.Width+win.X:y*p.Width+win.X+win.Width]...)
		}
		data = sub
		resX := (p.Bounds.East - p.Bounds.West) / float64(p.Width)
		resY := (p.Bounds.North - p.Bounds.South) / float64(p.Height)
		bounds = rastermill.Bounds{
			West:  p.Bounds.West + float64(win.X)*resX,
			North: p.Bounds.North - float64(win.Y)*resY,
		}
		bounds.East = bounds.West + float64(win.Width)*resX
		bounds.South = bounds.North - float64(win.Height)*resY
	}
	view := rastermill.NewVariableView(func() ([]float32, error) { return data, nil })
	view.Name = v.Descriptor.Name
	view.Units = v.Units
	view.Width = width
	view.Height = height
	view.Bounds = bounds
	view.Resolution = [2]float64{
		(p.Bounds.East - p.Bounds.West) / float64(p.Width),
		(p.Bounds.North - p.Bounds.South) / float64(p.Height),
	}
	view.Timestamp = ts
	return view, nil
}

func (p *Plugin) Extract(path string, sel rastermill.Selector, ts time.Time, win *rastermill.Window) (*rastermill.Grid, error) {
	return rastermill.ExtractViaOpen(p, path, sel, ts, win)
}

func (p *Plugin) Metadata(path string, sel rastermill.Selector, ts time.Time) (*rastermill.Metadata, error) {
	return rastermill.MetadataViaOpen(p, path, sel, ts)
}
