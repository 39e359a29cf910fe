package config

import (
	"fmt"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// Schema is the CUE definition every CUE configuration is unified with.
const Schema = `
#Config: {
	name?:        string
	description?: string
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error" | ""
		format?: "json" | "text" | ""
		loki?: {
			enabled?: bool
			url?:     string
			labels?: [string]: string
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
	}
	gateway?: {
		listen?:    string
		heartbeat?: string
	}
	subscriptions?: {
		queue_size?: int & >=0
		overflow?:   "drop_oldest" | "resync" | ""
	}
	mqtt?: {
		enabled?:         bool
		broker?:          string
		client_id?:       string
		username?:        string
		password?:        string
		prefix?:          string
		qos?:             0 | 1 | 2
		retain?:          bool
		keep_alive?:      string
		connect_timeout?: string
		tls?: {
			enabled?:              bool
			insecure_skip_verify?: bool
			ca_file?:              string
			cert_file?:            string
			key_file?:             string
			server_name?:          string
		}
	}
	pvs?: [...#PV]
	hot_reload?:      bool
	reload_interval?: string
}

#PV: {
	name:         string & !=""
	type?:        "int" | "integer" | "float" | "double" | "str" | "string" | "bool" | "boolean" | "decimal"
	initial?:     number | string | bool
	put_guard?:   string
	description?: string
}
`

func loadCUE(path string, isDir bool) (*Config, error) {
	dir, arg := path, "."
	if !isDir {
		dir, arg = filepath.Dir(path), "./"+filepath.Base(path)
	}
	insts := load.Instances([]string{arg}, &load.Config{
		Dir:     dir,
		Overlay: ResolveOverlays(dir),
	})
	if len(insts) == 0 {
		return nil, fmt.Errorf("load cue config %s: no instances", path)
	}
	inst := insts[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load cue config %s: %s", path, cueerrors.Details(inst.Err, nil))
	}

	ctx := cuecontext.New()
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("build cue config %s: %s", path, cueerrors.Details(err, nil))
	}
	schema := ctx.CompileString(Schema, cue.Filename("pvmailbox_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile cue schema: %w", err)
	}
	v = schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate cue config %s: %s", path, cueerrors.Details(err, nil))
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode cue config %s: %w", path, err)
	}
	cfg.setSource(ModuleReference{File: path, Name: cfg.Name, Description: cfg.Description})
	for _, file := range inst.BuildFiles {
		if file.Filename != "" {
			cfg.sources = append(cfg.sources, file.Filename)
		}
	}
	return &cfg, nil
}
