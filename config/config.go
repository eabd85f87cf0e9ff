// Package config assembles a Config by layering, in increasing priority:
// built-in defaults, a JSON config file, environment variables, and CLI
// flags. The default-tag-driven reflection walk (initDefaults) and the
// flag-visiting override (applyFlags) follow the same reflection-over-
// struct-tags approach as flagparse.initConfigValues/applyFlags; the
// environment layer is new, using caarlos0/env/v6 against the same
// struct's `env` tags rather than a flag/file-only scheme.
package config

import (
	"encoding/json"
	"flag"
	"os"
	"reflect"
	"strconv"

	env "github.com/caarlos0/env/v6"

	"github.com/kanto-io/uploadkit/control/mqtt"
	"github.com/kanto-io/uploadkit/logger"
)

// RestrictionConfig is the flag/env/file-bindable shape of an admission
// policy; it is converted to restriction.Policy by the caller so that the
// restriction package itself stays free of config-layer struct tags.
type RestrictionConfig struct {
	MaxFileSize      int64    `json:"maxFileSize,omitempty" env:"MAX_FILE_SIZE" def:"0" descr:"Maximum size in bytes for a single file, 0 for unlimited"`
	MaxNumberOfFiles int      `json:"maxNumberOfFiles,omitempty" env:"MAX_NUMBER_OF_FILES" def:"0" descr:"Maximum files per session, 0 for unlimited"`
	MinNumberOfFiles int      `json:"minNumberOfFiles,omitempty" env:"MIN_NUMBER_OF_FILES" def:"0" descr:"Minimum files required before upload, 0 for no minimum"`
	AllowedFileTypes []string `json:"allowedFileTypes,omitempty" env:"ALLOWED_FILE_TYPES" envSeparator:"," descr:"Comma separated list of allowed MIME/extension patterns"`
}

// CompanionConfig enables the companion-delegated remote uploader.
// The companion proxy's own base URL travels per-file (set when a remote
// file descriptor is admitted via kernel.AddFile), so Endpoint here is the
// final storage target the companion is told to deliver bytes to, not the
// companion's own address.
type CompanionConfig struct {
	Endpoint string `json:"companionEndpoint,omitempty" env:"COMPANION_ENDPOINT" descr:"Final storage endpoint the companion should deliver uploaded bytes to; empty disables the companion uploader"`
	PluginID string `json:"companionPluginId,omitempty" env:"COMPANION_PLUGIN_ID" def:"remote" descr:"Plugin ID used as the companion auth token store key"`
	TokenDir string `json:"companionTokenDir,omitempty" env:"COMPANION_TOKEN_DIR" descr:"Directory to persist companion auth tokens in; empty keeps them in memory only"`
}

// Config is the complete, layered configuration of an uploadkit instance.
type Config struct {
	Broker      mqtt.BrokerConfig `json:"broker"`
	Companion   CompanionConfig   `json:"companion"`
	Restriction RestrictionConfig `json:"restriction"`
	Log         logger.Config     `json:"log"`

	DeviceID        string `json:"deviceId,omitempty" env:"DEVICE_ID" descr:"Namespace:name identifying this twin to the control plane"`
	Concurrency     int    `json:"concurrency,omitempty" env:"CONCURRENCY" def:"4" descr:"Maximum number of files uploaded concurrently"`
	StartRatePerSec int    `json:"startRatePerSec,omitempty" env:"START_RATE_PER_SEC" def:"0" descr:"Maximum new uploads started per second, 0 for unlimited"`
	WatchDir        string `json:"watchDir,omitempty" env:"WATCH_DIR" descr:"Local directory to watch and auto-admit new files from"`
}

// Flag names.
const (
	FlagConfigFile = "configFile"
)

// ConfigFileMissing is the error type Load returns. It carries either the
// "config file didn't exist" warning (os.IsNotExist reports true for it, and
// callers may treat it as non-fatal) or a flag-parsing, JSON or environment
// error.
type ConfigFileMissing error

// Load builds a Config by applying, in order: built-in defaults, the JSON
// file named by the -configFile flag (if any arg sets it), environment
// variables, and finally any of args
// that override individual fields as CLI flags. args should normally be
// os.Args[1:].
func Load(args []string) (*Config, ConfigFileMissing) {
	cfg := &Config{}
	initDefaults(reflect.ValueOf(cfg).Elem())

	fs := flag.NewFlagSet("uploadkit", flag.ContinueOnError)
	configFile := fs.String(FlagConfigFile, "", "Path to a JSON configuration file")
	flagsShadow := &Config{}
	bindFlags(fs, reflect.ValueOf(flagsShadow).Elem())

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	var warn ConfigFileMissing
	if *configFile != "" {
		if err := LoadJSON(*configFile, cfg); err != nil {
			if os.IsNotExist(err) {
				warn = err
			} else {
				return cfg, err
			}
		}
	}

	if err := env.Parse(cfg, env.Options{}); err != nil {
		return cfg, err
	}

	applyFlags(fs, reflect.ValueOf(cfg).Elem(), reflect.ValueOf(flagsShadow).Elem())

	return cfg, warn
}

// LoadJSON decodes the JSON file at path into v.
func LoadJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// initDefaults recursively sets struct fields to their `def` tag value.
func initDefaults(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			initDefaults(fv)
			continue
		}
		def, ok := field.Tag.Lookup("def")
		if !ok {
			continue
		}
		setScalar(fv, def)
	}
}

// bindFlags recursively registers a flag per scalar field, named after the
// field with its first letter lower-cased, the same convention
// flagparse.ToFlagName used.
func bindFlags(fs *flag.FlagSet, v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			bindFlags(fs, fv)
			continue
		}
		name := toFlagName(field.Name)
		descr := field.Tag.Get("descr")
		switch fv.Kind() {
		case reflect.String:
			fs.StringVar(fv.Addr().Interface().(*string), name, "", descr)
		case reflect.Int, reflect.Int64:
			// flag.Int64Var/IntVar need concrete *int/*int64, not a
			// reflected addr cast through interface{} for mixed widths; use
			// Func for uniform handling instead.
			fv := fv
			fs.Func(name, descr, func(s string) error {
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return err
				}
				fv.SetInt(n)
				return nil
			})
		case reflect.Bool:
			fs.BoolVar(fv.Addr().Interface().(*bool), name, false, descr)
		}
	}
}

// applyFlags copies every flag actually passed on the command line
// (fs.Visit only visits set flags) from the shadow struct into cfg, the
// same applyFlags/flag.Visit idiom flagparse uses, so that flags win over
// file/env layers without flags that were never passed clobbering them
// with zero values.
func applyFlags(fs *flag.FlagSet, cfg, shadow reflect.Value) {
	paths := map[string]reflect.Value{}
	indexFlagPaths(shadow, "", paths)
	cfgPaths := map[string]reflect.Value{}
	indexFlagPaths(cfg, "", cfgPaths)

	fs.Visit(func(f *flag.Flag) {
		if src, ok := paths[f.Name]; ok {
			if dst, ok := cfgPaths[f.Name]; ok {
				dst.Set(src)
			}
		}
	})
}

func indexFlagPaths(v reflect.Value, _ string, out map[string]reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			indexFlagPaths(fv, "", out)
			continue
		}
		out[toFlagName(field.Name)] = fv
	}
}

func setScalar(fv reflect.Value, raw string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			fv.SetInt(n)
		}
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err == nil {
			fv.SetBool(b)
		}
	}
}

func toFlagName(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	if r[0] >= 'A' && r[0] <= 'Z' {
		r[0] = r[0] - 'A' + 'a'
	}
	return string(r)
}
