package config

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/turtacn/atlas/pkg/logger"
)

// ChangeEvent is the refresh signal delivered to subscribers. Keys are the flattened,
// dot-separated configuration keys whose values differ from the previous snapshot.
type ChangeEvent struct {
	Keys   []string
	Config *Config
}

// HasPrefix reports whether any changed key starts with prefix.
func (e ChangeEvent) HasPrefix(prefix string) bool {
	for _, k := range e.Keys {
		if k == prefix || strings.HasPrefix(k, prefix+".") {
			return true
		}
	}
	return false
}

// ChangeHandler receives refresh signals on the watcher goroutine.
type ChangeHandler func(ctx context.Context, event ChangeEvent)

// Watcher turns config file writes into ChangeEvents.
type Watcher struct {
	v        *viper.Viper
	log      logger.Logger
	mu       sync.Mutex
	snapshot map[string]interface{}
	handlers []ChangeHandler
}

// NewWatcher snapshots the current settings of v.
func NewWatcher(v *viper.Viper, log logger.Logger) *Watcher {
	return &Watcher{
		v:        v,
		log:      log.WithComponent("config-watcher"),
		snapshot: Flatten(v.AllSettings()),
	}
}

// Subscribe registers a handler. It must be called before Start.
func (w *Watcher) Subscribe(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching the config file through fsnotify.
func (w *Watcher) Start() {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		w.apply(e)
	})
	w.v.WatchConfig()
}

func (w *Watcher) apply(e fsnotify.Event) {
	ctx := context.Background()
	current := Flatten(w.v.AllSettings())

	w.mu.Lock()
	keys := ChangedKeys(w.snapshot, current)
	w.snapshot = current
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	if len(keys) == 0 {
		w.log.Debug(ctx, "config file touched without changes", logger.String("file", e.Name))
		return
	}

	cfg, err := Decode(w.v)
	if err != nil {
		w.log.Error(ctx, "reloaded config could not be decoded, keeping previous state", err,
			logger.String("file", e.Name))
		return
	}

	w.log.Info(ctx, "config changed", logger.String("file", e.Name), logger.Strings("keys", keys))
	event := ChangeEvent{Keys: keys, Config: cfg}
	for _, h := range handlers {
		h(ctx, event)
	}
}

// Flatten converts nested settings into dot-separated keys. Lists are kept as leaves.
func Flatten(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, "", settings)
	return out
}

func flattenInto(out map[string]interface{}, prefix string, value interface{}) {
	if m, ok := value.(map[string]interface{}); ok {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(out, key, v)
		}
		return
	}
	out[prefix] = value
}

// ChangedKeys returns the sorted keys that were added, removed or modified.
func ChangedKeys(before, after map[string]interface{}) []string {
	var keys []string
	for k, v := range after {
		old, ok := before[k]
		if !ok || !sameValue(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sameValue(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Values decoded from yaml and from defaults can differ only in concrete type.
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return string(ja) == string(jb)
}
