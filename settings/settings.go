// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settings

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
)

// Settings is the collection of all mtpcore settings.  This is separated out
// in order to be able to reuse in various tests.
type Settings struct {
	// default section
	Root                 string        // root directory for mtpcore
	KeyStore             string        // encrypted persistent key file
	Catalog              string        // datacenter catalog ini file
	DC                   int           // main datacenter
	TestMode             bool          // talk to the test datacenters
	TemporaryKeyLifetime time.Duration // lifetime of bound temporary keys

	// session section
	Ping         bool          // keep alive pings
	PingInterval time.Duration // time between pings
	CutSize      int           // request bytes per container

	// download section
	MaxSessions int // download sub-sessions per datacenter

	// log section
	LogFile    string // log filename
	TimeFormat string // debug file time stamp format
	Debug      bool   // enable debug
	Trace      bool   // enable tracing
}

var (
	errIniNotFound = errors.New("not found")
)

// New returns a default settings structure.
func New() *Settings {
	return &Settings{
		// default
		Root:                 "~/.mtpcore",
		KeyStore:             "~/.mtpcore/keys.store",
		Catalog:              "~/.mtpcore/dcoptions.ini",
		DC:                   2,
		TestMode:             false,
		TemporaryKeyLifetime: 24 * time.Hour,

		// session
		Ping:         true,
		PingInterval: 30 * time.Second,
		CutSize:      16 * 1024,

		// download
		MaxSessions: 8,

		// log
		LogFile:    "~/.mtpcore/mtpcore.log",
		TimeFormat: "2006-01-02 15:04:05",
		Debug:      false,
		Trace:      false,
	}
}

// Load retrieves settings from an ini file.  Additionally it expands all ~ to
// the current user home directory.
func (s *Settings) Load(filename string) error {
	// parse file
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	// root directory
	root, ok := cfg.Get("", "root")
	if ok {
		s.Root = root
	}

	// key store
	keyStore, ok := cfg.Get("", "keystore")
	if ok {
		s.KeyStore = keyStore
	}

	// datacenter catalog
	catalog, ok := cfg.Get("", "catalog")
	if ok {
		s.Catalog = catalog
	}

	// main datacenter
	err = iniInt(cfg, &s.DC, "", "dc", 1, 1000)
	if err != nil && err != errIniNotFound {
		return err
	}

	err = iniBool(cfg, &s.TestMode, "", "testmode")
	if err != nil && err != errIniNotFound {
		return err
	}

	err = iniSeconds(cfg, &s.TemporaryKeyLifetime, "",
		"temporarykeylifetime")
	if err != nil && err != errIniNotFound {
		return err
	}

	// session
	err = iniBool(cfg, &s.Ping, "session", "ping")
	if err != nil && err != errIniNotFound {
		return err
	}

	err = iniSeconds(cfg, &s.PingInterval, "session", "pinginterval")
	if err != nil && err != errIniNotFound {
		return err
	}

	err = iniInt(cfg, &s.CutSize, "session", "cutsize", 1024, 1024*1024)
	if err != nil && err != errIniNotFound {
		return err
	}

	// download
	err = iniInt(cfg, &s.MaxSessions, "download", "maxsessions", 1, 8)
	if err != nil && err != errIniNotFound {
		return err
	}

	// logging and debug
	logFile, ok := cfg.Get("log", "logfile")
	if ok {
		s.LogFile = logFile
	}

	err = iniBool(cfg, &s.Debug, "log", "debug")
	if err != nil && err != errIniNotFound {
		return err
	}

	err = iniBool(cfg, &s.Trace, "log", "trace")
	if err != nil && err != errIniNotFound {
		return err
	}

	timeFormat, ok := cfg.Get("log", "timeformat")
	if ok {
		s.TimeFormat = timeFormat
	}

	return s.expand()
}

// expand replaces a leading ~ in all paths.
func (s *Settings) expand() error {
	for _, p := range []*string{&s.Root, &s.KeyStore, &s.Catalog,
		&s.LogFile} {
		e, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = e
	}
	return nil
}

// ProtocolDC returns the datacenter id announced during key exchange.
func (s *Settings) ProtocolDC(dc int) int32 {
	if s.TestMode {
		return int32(dc + 10000)
	}
	return int32(dc)
}

func iniBool(cfg ini.File, p *bool, section, key string) error {

	v, ok := cfg.Get(section, key)
	if ok {
		switch strings.ToLower(v) {
		case "yes":
			*p = true
			return nil
		case "no":
			*p = false
			return nil
		default:
			return fmt.Errorf("[%v]%v must be yes or no",
				section, key)
		}
	}
	return errIniNotFound
}

func iniInt(cfg ini.File, p *int, section, key string, low, high int) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("[%v]%v invalid: %v", section, key, err)
	}
	if i < low || i > high {
		return fmt.Errorf("[%v]%v must be between %v and %v",
			section, key, low, high)
	}
	*p = i
	return nil
}

func iniSeconds(cfg ini.File, p *time.Duration, section, key string) error {
	var i int
	err := iniInt(cfg, &i, section, key, 1, 1<<31-1)
	if err != nil {
		return err
	}
	*p = time.Duration(i) * time.Second
	return nil
}
