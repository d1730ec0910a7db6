// Package settings loads per-method retry policies.
//
// A policy table has three sections: named retry code sets, named retry
// parameter sets, and methods that pick one of each. Tables are plain values;
// nothing is registered globally.
//
//	retry_codes:
//	  idempotent: [DEADLINE_EXCEEDED, UNAVAILABLE]
//	  non_idempotent: []
//	retry_params:
//	  default:
//	    initial_retry_delay: 100ms
//	    retry_delay_multiplier: 1.3
//	    max_retry_delay: 60s
//	    initial_rpc_timeout: 20s
//	    rpc_timeout_multiplier: 1.0
//	    max_rpc_timeout: 20s
//	    total_timeout: 600s
//	methods:
//	  ListGroups:
//	    retry_codes: idempotent
//	    retry_params: default
//	  RunQuery:
//	    name: RunQuery
//	    retry_codes: idempotent
//
// A method without retry_codes is non_idempotent and never retried; a method
// without retry_params uses default.
//
// Method names are matched case-insensitively. Viper lowercases map keys when
// it reads a file, so the name a method is reported under (Methods, and the
// method label of its RetryConfig) comes from its optional name field, or
// from the built-in table of the group service when the key matches one of
// its methods. Any other method keeps the lowercased key.
package settings

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apicall "github.com/JohnPlummer/jp-go-apicall"
)

// Names of the built-in code sets and parameter set.
const (
	Idempotent    = "idempotent"
	NonIdempotent = "non_idempotent"
	DefaultParams = "default"
)

var (
	// ErrUnknownMethod is returned for a method missing from the table.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrUnknownPolicy is returned when a method refers to a missing code or
	// parameter set.
	ErrUnknownPolicy = errors.New("unknown policy")

	// ErrMethodName is returned when a method's name field does not match
	// its key.
	ErrMethodName = errors.New("method name does not match its key")
)

// Params are the timing parameters of a retry policy.
type Params struct {
	InitialRetryDelay    time.Duration `json:"initial_retry_delay"`
	RetryDelayMultiplier float64       `json:"retry_delay_multiplier"`
	MaxRetryDelay        time.Duration `json:"max_retry_delay"`
	InitialRPCTimeout    time.Duration `json:"initial_rpc_timeout"`
	RPCTimeoutMultiplier float64       `json:"rpc_timeout_multiplier"`
	MaxRPCTimeout        time.Duration `json:"max_rpc_timeout"`
	TotalTimeout         time.Duration `json:"total_timeout"`
}

// DefaultRetryParams are the standard timing parameters.
func DefaultRetryParams() Params {
	return Params{
		InitialRetryDelay:    100 * time.Millisecond,
		RetryDelayMultiplier: 1.3,
		MaxRetryDelay:        60 * time.Second,
		InitialRPCTimeout:    20 * time.Second,
		RPCTimeoutMultiplier: 1.0,
		MaxRPCTimeout:        20 * time.Second,
		TotalTimeout:         600 * time.Second,
	}
}

// Options converts the parameters into retry options.
func (p Params) Options() []apicall.RetryOption {
	return []apicall.RetryOption{
		apicall.WithRetryDelays(p.InitialRetryDelay, p.RetryDelayMultiplier, p.MaxRetryDelay),
		apicall.WithCallTimeouts(p.InitialRPCTimeout, p.RPCTimeoutMultiplier, p.MaxRPCTimeout),
		apicall.WithTotalTimeout(p.TotalTimeout),
	}
}

// Method names the code set and parameter set of one method.
type Method struct {
	RetryCodes  string `json:"retry_codes"`
	RetryParams string `json:"retry_params"`
}

// Settings is a policy table.
type Settings struct {
	RetryCodes  map[string]apicall.CodeSet
	RetryParams map[string]Params
	methods     map[string]Method
	names       map[string]string
}

// New creates an empty table with the built-in code and parameter sets.
func New() *Settings {
	return &Settings{
		RetryCodes: map[string]apicall.CodeSet{
			Idempotent:    apicall.IdempotentCodes(),
			NonIdempotent: apicall.NonIdempotentCodes(),
		},
		RetryParams: map[string]Params{
			DefaultParams: DefaultRetryParams(),
		},
		methods: make(map[string]Method),
		names:   make(map[string]string),
	}
}

// Default returns the table of the group service: reads, updates and
// deletes are idempotent, creates are not.
func Default() *Settings {
	s := New()
	s.SetMethod("ListGroups", Method{RetryCodes: Idempotent, RetryParams: DefaultParams})
	s.SetMethod("GetGroup", Method{RetryCodes: Idempotent, RetryParams: DefaultParams})
	s.SetMethod("CreateGroup", Method{RetryCodes: NonIdempotent, RetryParams: DefaultParams})
	s.SetMethod("UpdateGroup", Method{RetryCodes: Idempotent, RetryParams: DefaultParams})
	s.SetMethod("DeleteGroup", Method{RetryCodes: Idempotent, RetryParams: DefaultParams})
	s.SetMethod("ListGroupMembers", Method{RetryCodes: Idempotent, RetryParams: DefaultParams})
	return s
}

// SetMethod adds or replaces a method. Method names are case-insensitive.
func (s *Settings) SetMethod(name string, m Method) {
	key := strings.ToLower(name)
	s.methods[key] = m
	if _, ok := s.names[key]; !ok || name != key {
		s.names[key] = name
	}
}

// Method returns the entry of a method.
func (s *Settings) Method(name string) (Method, error) {
	m, ok := s.methods[strings.ToLower(name)]
	if !ok {
		return Method{}, fmt.Errorf("%w: %s", ErrUnknownMethod, name)
	}
	return m, nil
}

// Methods returns the method names in sorted order.
func (s *Settings) Methods() []string {
	names := make([]string, 0, len(s.names))
	for _, name := range s.names {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Policy resolves the code set and parameters of a method.
func (s *Settings) Policy(name string) (apicall.CodeSet, Params, error) {
	m, err := s.Method(name)
	if err != nil {
		return 0, Params{}, err
	}
	set, ok := s.RetryCodes[strings.ToLower(m.RetryCodes)]
	if !ok {
		return 0, Params{}, fmt.Errorf("%w: retry codes %q of %s", ErrUnknownPolicy, m.RetryCodes, name)
	}
	params, ok := s.RetryParams[strings.ToLower(m.RetryParams)]
	if !ok {
		return 0, Params{}, fmt.Errorf("%w: retry params %q of %s", ErrUnknownPolicy, m.RetryParams, name)
	}
	return set, params, nil
}

// RetryConfig builds the retry configuration of a method. opts are applied
// last, so they can add a logger, metrics or override any field.
func (s *Settings) RetryConfig(method string, opts ...apicall.RetryOption) (*apicall.RetryConfig, error) {
	set, params, err := s.Policy(method)
	if err != nil {
		return nil, err
	}

	config := apicall.DefaultRetryConfig()
	all := append(params.Options(),
		apicall.WithRetryableCodeSet(set),
		apicall.WithMethodName(s.names[strings.ToLower(method)]))
	for _, opt := range append(all, opts...) {
		opt(config)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("method %s: %w", method, err)
	}
	return config, nil
}

// Validate checks that every method refers to existing sets and that every
// parameter set is a valid retry configuration.
func (s *Settings) Validate() error {
	for _, name := range s.Methods() {
		if _, err := s.RetryConfig(name); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a policy table from a YAML, JSON or TOML file.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	return FromViper(v)
}

// Parse reads a policy table of the given format ("yaml", "json", "toml").
func Parse(r io.Reader, format string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return FromViper(v)
}

// FromViper builds a policy table from an already loaded viper instance. The
// built-in sets are present unless the file redefines them.
func FromViper(v *viper.Viper) (*Settings, error) {
	s := New()

	codeSets, err := getRetryCodes(v)
	if err != nil {
		return nil, err
	}
	for name, set := range codeSets {
		s.RetryCodes[name] = set
	}

	for name, params := range getRetryParams(v) {
		s.RetryParams[name] = params
	}

	methods, err := getMethods(v)
	if err != nil {
		return nil, err
	}
	for name, m := range methods {
		s.SetMethod(name, m)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watcher reloads a settings file as it changes.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onChange func(*Settings)
	done     chan struct{}
}

// Watch loads path and calls onChange with the new table whenever the file
// changes. Invalid edits are logged and ignored; the previous table stays in
// effect. Call Stop on the returned Watcher to stop watching; onChange is not
// called after Stop returns.
func Watch(path string, logger *slog.Logger, onChange func(*Settings)) (*Settings, *Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to watch settings file: %w", err)
	}
	// The directory is watched so that editors replacing the file are seen.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, nil, fmt.Errorf("failed to watch settings file: %w", err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		logger:   logger,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.run()

	return s, w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path || !(e.Has(fsnotify.Write) || e.Has(fsnotify.Create)) {
				continue
			}
			w.reload(e.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher error", "file", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload(file string) {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid settings change",
			"file", file,
			"error", err)
		return
	}
	w.logger.Info("settings reloaded",
		"file", file,
		"methods", len(next.methods))
	w.onChange(next)
}

// Stop ends the watch and waits for a reload in progress to finish. It is
// safe to call more than once.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func getRetryCodes(v *viper.Viper) (map[string]apicall.CodeSet, error) {
	out := make(map[string]apicall.CodeSet)
	for name := range v.GetStringMap("retry_codes") {
		var set apicall.CodeSet
		for _, codeName := range v.GetStringSlice("retry_codes." + name) {
			c, err := apicall.ParseCode(codeName)
			if err != nil {
				return nil, fmt.Errorf("retry codes %q: %w", name, err)
			}
			set = set.With(c)
		}
		out[strings.ToLower(name)] = set
	}
	return out, nil
}

func getRetryParams(v *viper.Viper) map[string]Params {
	out := make(map[string]Params)
	for name := range v.GetStringMap("retry_params") {
		prefix := "retry_params." + name + "."
		p := DefaultRetryParams()
		if key := prefix + "initial_retry_delay"; v.IsSet(key) {
			p.InitialRetryDelay = v.GetDuration(key)
		}
		if key := prefix + "retry_delay_multiplier"; v.IsSet(key) {
			p.RetryDelayMultiplier = v.GetFloat64(key)
		}
		if key := prefix + "max_retry_delay"; v.IsSet(key) {
			p.MaxRetryDelay = v.GetDuration(key)
		}
		if key := prefix + "initial_rpc_timeout"; v.IsSet(key) {
			p.InitialRPCTimeout = v.GetDuration(key)
		}
		if key := prefix + "rpc_timeout_multiplier"; v.IsSet(key) {
			p.RPCTimeoutMultiplier = v.GetFloat64(key)
		}
		if key := prefix + "max_rpc_timeout"; v.IsSet(key) {
			p.MaxRPCTimeout = v.GetDuration(key)
		}
		if key := prefix + "total_timeout"; v.IsSet(key) {
			p.TotalTimeout = v.GetDuration(key)
		}
		out[strings.ToLower(name)] = p
	}
	return out
}

func getMethods(v *viper.Viper) (map[string]Method, error) {
	builtin := Default()
	out := make(map[string]Method)
	for key := range v.GetStringMap("methods") {
		prefix := "methods." + key + "."
		m := Method{
			RetryCodes:  v.GetString(prefix + "retry_codes"),
			RetryParams: v.GetString(prefix + "retry_params"),
		}
		if m.RetryCodes == "" {
			m.RetryCodes = NonIdempotent
		}
		if m.RetryParams == "" {
			m.RetryParams = DefaultParams
		}

		name := key
		if given := v.GetString(prefix + "name"); given != "" {
			if !strings.EqualFold(given, key) {
				return nil, fmt.Errorf("%w: %q under %q", ErrMethodName, given, key)
			}
			name = given
		} else if known, ok := builtin.names[strings.ToLower(key)]; ok {
			name = known
		}
		out[name] = m
	}
	return out, nil
}
