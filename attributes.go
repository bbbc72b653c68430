package imgcache

import (
	"fmt"
	"strconv"
	"strings"
)

// config is the structured form of the attribute table. The attribute
// setter writes through it so hot paths read plain struct fields
// instead of consulting a dynamic table.
type config struct {
	maxOpenFiles        int
	maxMemoryMB         float64
	searchPath          string
	pluginSearchPath    string
	autotile            int
	autoscanline        bool
	automip             bool
	acceptUntiled       bool
	acceptUnmipped      bool
	forceFloat          bool
	failureRetries      int
	deduplicate         bool
	maxOpenFilesStrict  bool
	substituteImage     string
	unassociatedAlpha   bool
	maxErrorsPerFile    int
	trustFileExtensions bool
	colorspace          string
	colorconfig         string
	statisticsLevel     int
}

func defaultConfig() config {
	return config{
		maxOpenFiles:     100,
		maxMemoryMB:      1024.0,
		autotile:         0,
		acceptUntiled:    true,
		acceptUnmipped:   true,
		deduplicate:      true,
		maxErrorsPerFile: 100,
	}
}

// maxMemoryBytes returns the tile memory budget in bytes.
func (cfg config) maxMemoryBytes() int64 {
	return int64(cfg.maxMemoryMB * mib)
}

// snapshotConfig returns a copy of the current configuration.
func (c *Cache) snapshotConfig() config {
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	return c.cfg
}

// AttrType describes the declared type of an attribute.
type AttrType int

// Attribute types returned by AttributeType.
const (
	AttrTypeUnknown AttrType = iota
	AttrTypeInt
	AttrTypeFloat
	AttrTypeString
	AttrTypeStringList
)

func (t AttrType) String() string {
	switch t {
	case AttrTypeInt:
		return "int"
	case AttrTypeFloat:
		return "float"
	case AttrTypeString:
		return "string"
	case AttrTypeStringList:
		return "string[]"
	default:
		return "unknown"
	}
}

// attrDef is one schema entry. set is nil for read-only attributes.
// Side-effecting attributes run their effect after the config write,
// outside the attribute lock.
type attrDef struct {
	typ    AttrType
	get    func(c *Cache, cfg *config) any
	set    func(cfg *config, v any)
	effect func(c *Cache)
}

var attrSchema = map[string]attrDef{
	"max_open_files": {
		typ:    AttrTypeInt,
		get:    func(_ *Cache, cfg *config) any { return cfg.maxOpenFiles },
		set:    func(cfg *config, v any) { cfg.maxOpenFiles = v.(int) },
		effect: func(c *Cache) { c.open.closeDown(c, c.snapshotConfig().maxOpenFiles) },
	},
	"max_memory_MB": {
		typ:    AttrTypeFloat,
		get:    func(_ *Cache, cfg *config) any { return cfg.maxMemoryMB },
		set:    func(cfg *config, v any) { cfg.maxMemoryMB = v.(float64) },
		effect: func(c *Cache) { c.trimToBudget() },
	},
	"searchpath": {
		typ: AttrTypeString,
		get: func(_ *Cache, cfg *config) any { return cfg.searchPath },
		set: func(cfg *config, v any) { cfg.searchPath = v.(string) },
	},
	"plugin_searchpath": {
		typ: AttrTypeString,
		get: func(_ *Cache, cfg *config) any { return cfg.pluginSearchPath },
		set: func(cfg *config, v any) { cfg.pluginSearchPath = v.(string) },
	},
	"autotile": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return cfg.autotile },
		set: func(cfg *config, v any) { cfg.autotile = v.(int) },
	},
	"autoscanline": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return boolToInt(cfg.autoscanline) },
		set: func(cfg *config, v any) { cfg.autoscanline = v.(int) != 0 },
	},
	"automip": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return boolToInt(cfg.automip) },
		set: func(cfg *config, v any) { cfg.automip = v.(int) != 0 },
	},
	"accept_untiled": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return boolToInt(cfg.acceptUntiled) },
		set: func(cfg *config, v any) { cfg.acceptUntiled = v.(int) != 0 },
	},
	"accept_unmipped": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return boolToInt(cfg.acceptUnmipped) },
		set: func(cfg *config, v any) { cfg.acceptUnmipped = v.(int) != 0 },
	},
	"forcefloat": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return boolToInt(cfg.forceFloat) },
		set: func(cfg *config, v any) { cfg.forceFloat = v.(int) != 0 },
	},
	"failure_retries": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return cfg.failureRetries },
		set: func(cfg *config, v any) { cfg.failureRetries = v.(int) },
	},
	"deduplicate": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return boolToInt(cfg.deduplicate) },
		set: func(cfg *config, v any) { cfg.deduplicate = v.(int) != 0 },
	},
	"max_open_files_strict": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return boolToInt(cfg.maxOpenFilesStrict) },
		set: func(cfg *config, v any) { cfg.maxOpenFilesStrict = v.(int) != 0 },
	},
	"substitute_image": {
		typ: AttrTypeString,
		get: func(_ *Cache, cfg *config) any { return cfg.substituteImage },
		set: func(cfg *config, v any) { cfg.substituteImage = v.(string) },
	},
	"unassociatedalpha": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return boolToInt(cfg.unassociatedAlpha) },
		set: func(cfg *config, v any) { cfg.unassociatedAlpha = v.(int) != 0 },
	},
	"max_errors_per_file": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return cfg.maxErrorsPerFile },
		set: func(cfg *config, v any) { cfg.maxErrorsPerFile = v.(int) },
	},
	"trust_file_extensions": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return boolToInt(cfg.trustFileExtensions) },
		set: func(cfg *config, v any) { cfg.trustFileExtensions = v.(int) != 0 },
	},
	"colorspace": {
		typ:    AttrTypeString,
		get:    func(_ *Cache, cfg *config) any { return cfg.colorspace },
		set:    func(cfg *config, v any) { cfg.colorspace = v.(string) },
		effect: func(c *Cache) { c.InvalidateAll(true) },
	},
	"colorconfig": {
		typ: AttrTypeString,
		get: func(_ *Cache, cfg *config) any { return cfg.colorconfig },
		set: func(cfg *config, v any) { cfg.colorconfig = v.(string) },
	},
	"statistics:level": {
		typ: AttrTypeInt,
		get: func(_ *Cache, cfg *config) any { return cfg.statisticsLevel },
		set: func(cfg *config, v any) { cfg.statisticsLevel = v.(int) },
	},

	// Read-only statistics.
	"total_files": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.filesReferenced.Load() },
	},
	"all_filenames": {
		typ: AttrTypeStringList,
		get: func(c *Cache, _ *config) any { return c.allFilenames() },
	},
	"stat:cache_footprint": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.tiles.mem.Load() },
	},
	"stat:cache_memory_used": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.tiles.mem.Load() },
	},
	"stat:tiles_created": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.tilesCreated.Load() },
	},
	"stat:tiles_current": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.tiles.count.Load() },
	},
	"stat:tiles_peak": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.tilesPeak.Load() },
	},
	"stat:open_files_created": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.openFilesCreated.Load() },
	},
	"stat:open_files_current": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return int64(c.open.current()) },
	},
	"stat:open_files_peak": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.openFilesPeak.Load() },
	},
	"stat:find_tile_calls": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.findTileCalls.Load() },
	},
	"stat:image_size": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.imageSizeTotal.Load() },
	},
	"stat:file_size": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.fileSizeTotal.Load() },
	},
	"stat:bytes_read": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.bytesRead.Load() },
	},
	"stat:unique_files": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.uniqueFiles.Load() },
	},
	"stat:mips_synthesized": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.mipsSynthesized.Load() },
	},
	// Alias kept for callers used to the texture-system spelling.
	"stat:mipsused": {
		typ: AttrTypeInt,
		get: func(c *Cache, _ *config) any { return c.stats.mipsSynthesized.Load() },
	},
	"stat:fileio_time": {
		typ: AttrTypeFloat,
		get: func(c *Cache, _ *config) any { return float64(c.stats.fileIONanos.Load()) / 1e9 },
	},
	"stat:fileopen_time": {
		typ: AttrTypeFloat,
		get: func(c *Cache, _ *config) any { return float64(c.stats.fileOpenNanos.Load()) / 1e9 },
	},
	"stat:file_locking_time": {
		typ: AttrTypeFloat,
		get: func(c *Cache, _ *config) any { return float64(c.stats.fileLockNanos.Load()) / 1e9 },
	},
	"stat:tile_locking_time": {
		typ: AttrTypeFloat,
		get: func(c *Cache, _ *config) any { return float64(c.stats.tileLockNanos.Load()) / 1e9 },
	},
	"stat:find_file_time": {
		typ: AttrTypeFloat,
		get: func(c *Cache, _ *config) any { return float64(c.stats.findFileNanos.Load()) / 1e9 },
	},
	"stat:find_tile_time": {
		typ: AttrTypeFloat,
		get: func(c *Cache, _ *config) any { return float64(c.stats.findTileNanos.Load()) / 1e9 },
	},
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// coerce validates v against t, normalizing the accepted Go types.
func coerce(t AttrType, v any) (any, error) {
	switch t {
	case AttrTypeInt:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case bool:
			return boolToInt(x), nil
		}
	case AttrTypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
	case AttrTypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrAttributeType, v)
}

// SetAttribute sets a configuration attribute, validating the value
// against the schema and applying any side-effect (for example,
// shrinking max_memory_MB trims the tile cache to the new budget).
//
// The reserved name "options" accepts a comma-separated name=value
// list; values may be single- or double-quoted to contain commas.
func (c *Cache) SetAttribute(name string, value any) error {
	if name == "options" {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: options wants a string, got %T", ErrAttributeType, value)
		}
		return c.setOptions(s)
	}

	def, ok := attrSchema[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
	}
	if def.set == nil {
		return fmt.Errorf("%w: %q", ErrReadOnlyAttribute, name)
	}
	v, err := coerce(def.typ, value)
	if err != nil {
		return fmt.Errorf("attribute %q: %w", name, err)
	}

	c.attrMu.Lock()
	def.set(&c.cfg, v)
	c.attrMu.Unlock()

	if def.effect != nil {
		def.effect(c)
	}
	return nil
}

// GetAttribute returns the current value of an attribute, including
// the read-only stat:* values.
func (c *Cache) GetAttribute(name string) (any, error) {
	def, ok := attrSchema[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
	}
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	return def.get(c, &c.cfg), nil
}

// AttributeType returns the declared type of an attribute, or
// AttrTypeUnknown for names absent from the schema.
func (c *Cache) AttributeType(name string) AttrType {
	def, ok := attrSchema[name]
	if !ok {
		return AttrTypeUnknown
	}
	return def.typ
}

// setOptions parses a comma-separated name=value list. Values may be
// quoted with ' or " to contain commas; quotes are stripped.
func (c *Cache) setOptions(opts string) error {
	var firstErr error
	for _, pair := range splitOptions(opts) {
		name, val, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			if firstErr == nil {
				firstErr = fmt.Errorf("imgcache: malformed option %q", pair)
			}
			continue
		}
		val = unquote(strings.TrimSpace(val))

		def, known := attrSchema[name]
		if !known || def.set == nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
			}
			continue
		}
		var err error
		switch def.typ {
		case AttrTypeInt:
			var n int
			if n, err = strconv.Atoi(val); err == nil {
				err = c.SetAttribute(name, n)
			}
		case AttrTypeFloat:
			var f float64
			if f, err = strconv.ParseFloat(val, 64); err == nil {
				err = c.SetAttribute(name, f)
			}
		default:
			err = c.SetAttribute(name, val)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("option %q: %w", name, err)
		}
	}
	return firstErr
}

// splitOptions splits on commas that are outside quotes.
func splitOptions(s string) []string {
	var out []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
			cur.WriteByte(ch)
		case ch == '\'' || ch == '"':
			quote = ch
			cur.WriteByte(ch)
		case ch == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
