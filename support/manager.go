package support

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/wfnet/engine/definition"
	"github.com/wfnet/engine/support/log"
)

const (
	uriSchemeFile = "file://"
	uriSchemeHttp = "http://"
)

var (
	// ErrUnknownSpec is returned when no specification is registered under
	// the requested id and version.
	ErrUnknownSpec = errors.New("unknown specification")

	// ErrDuplicateSpec is returned when a specification with the same id
	// and version is already registered.
	ErrDuplicateSpec = errors.New("specification already registered")
)

// SpecManager is the registry of workflow specifications, keyed by id and
// version.  Specifications are validated on registration; a running case
// always resolves against the exact version it was launched with.
type SpecManager struct {
	mu     sync.Mutex // protects the spec maps
	specs  map[string]*definition.Definition
	latest map[string]string
	logger log.Logger
}

func NewSpecManager(logger log.Logger) *SpecManager {
	if logger == nil {
		logger = log.RootLogger()
	}
	return &SpecManager{
		specs:  make(map[string]*definition.Definition),
		latest: make(map[string]string),
		logger: logger,
	}
}

func specKey(id, version string) string {
	return id + "@" + version
}

// Register stores a specification.  Structural validation already
// happened when the definition was materialized.
func (sm *SpecManager) Register(def *definition.Definition) error {

	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := specKey(def.ID(), def.Version())
	if _, exists := sm.specs[key]; exists {
		return fmt.Errorf("%w: '%s' version '%s'", ErrDuplicateSpec, def.ID(), def.Version())
	}
	sm.specs[key] = def
	sm.latest[def.ID()] = def.Version()
	sm.logger.Infof("registered specification '%s' version '%s'", def.ID(), def.Version())
	return nil
}

// Get resolves a specification.  An empty version resolves to the most
// recently registered version of the id.
func (sm *SpecManager) Get(id, version string) (*definition.Definition, error) {

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if version == "" {
		version = sm.latest[id]
	}
	def, exists := sm.specs[specKey(id, version)]
	if !exists {
		return nil, fmt.Errorf("%w: '%s' version '%s'", ErrUnknownSpec, id, version)
	}
	return def, nil
}

// Specs returns all registered specifications.
func (sm *SpecManager) Specs() []*definition.Definition {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	defs := make([]*definition.Definition, 0, len(sm.specs))
	for _, def := range sm.specs {
		defs = append(defs, def)
	}
	return defs
}

// Load fetches a specification document from a file or http URI, parses
// it and registers it.  Gzip-compressed documents are detected and
// decompressed.
func (sm *SpecManager) Load(uri string) (*definition.Definition, error) {

	raw, err := sm.fetch(uri)
	if err != nil {
		return nil, err
	}

	def, err := definition.ParseDefinition(raw)
	if err != nil {
		return nil, fmt.Errorf("error parsing specification '%s': %w", uri, err)
	}
	if err := sm.Register(def); err != nil {
		return nil, err
	}
	return def, nil
}

func (sm *SpecManager) fetch(uri string) ([]byte, error) {

	switch {
	case strings.HasPrefix(uri, uriSchemeFile):
		sm.logger.Infof("loading local specification: %s", uri)

		readBytes, err := os.ReadFile(strings.TrimPrefix(uri, uriSchemeFile))
		if err != nil {
			return nil, fmt.Errorf("error reading specification with uri '%s': %w", uri, err)
		}
		if len(readBytes) > 2 && readBytes[0] == 0x1f && readBytes[1] == 0x8b {
			unzipped, err := unzip(readBytes)
			if err != nil {
				return nil, fmt.Errorf("error uncompressing specification with uri '%s': %w", uri, err)
			}
			return unzipped, nil
		}
		return readBytes, nil

	case strings.HasPrefix(uri, uriSchemeHttp):
		sm.logger.Infof("loading remote specification: %s", uri)

		resp, err := http.Get(uri)
		if err != nil {
			return nil, fmt.Errorf("error getting specification with uri '%s': %w", uri, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("error getting specification with uri '%s': status code %d", uri, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("error reading specification response with uri '%s': %w", uri, err)
		}
		if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
			return unzip(body)
		}
		return body, nil
	}

	return nil, fmt.Errorf("unsupported uri '%s'", uri)
}

func unzip(compressed []byte) ([]byte, error) {

	r, err := gzip.NewReader(bytes.NewBuffer(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
