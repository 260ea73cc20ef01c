// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/companyzero/mtpcore/dcoptions"
	"github.com/companyzero/mtpcore/debug"
	"github.com/companyzero/mtpcore/download"
	"github.com/companyzero/mtpcore/keystore"
	"github.com/companyzero/mtpcore/mtputil"
	"github.com/companyzero/mtpcore/registry"
	"github.com/companyzero/mtpcore/rpc"
	"github.com/companyzero/mtpcore/session"
	"github.com/companyzero/mtpcore/settings"
	"github.com/companyzero/mtpcore/transport"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"
)

const (
	idApp = iota
	idNet
	idReg
	idSes
	idDl
)

// MTP is the state of the mtpcore client.
type MTP struct {
	*debug.Debug

	settings *settings.Settings
	catalog  *dcoptions.Catalog
	registry *registry.Registry
	clock    *rpc.Clock
	dialer   *transport.Dialer
}

func (m *MTP) sessionConfig(dc int) session.Config {
	return session.Config{
		DC:                 dc,
		ProtocolDC:         m.settings.ProtocolDC(dc),
		Type:               registry.Regular,
		Dialer:             m.dialer,
		Registry:           m.registry,
		Keys:               m.catalog,
		Clock:              m.clock,
		TemporaryExpiresIn: m.settings.TemporaryKeyLifetime,
		Ping:               m.settings.Ping,
		PingInterval:       m.settings.PingInterval,
		CutSize:            m.settings.CutSize,
		Log:                m.Debug,
		LogID:              idSes,
	}
}

// ping measures round trips on the main session.
func (m *MTP) ping(ctx context.Context, s *session.Session) error {
	for i := 0; i < *pingCount; i++ {
		var id [8]byte
		if _, err := rand.Read(id[:]); err != nil {
			return err
		}
		pingID := binary.LittleEndian.Uint64(id[:])
		reply, err := s.Invoke(ctx, rpc.Marshal(&rpc.Ping{PingID: pingID}))
		if err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		var pong rpc.Pong
		if err := rpc.Unmarshal(reply, &pong); err != nil {
			return fmt.Errorf("pong: %w", err)
		}
		if pong.PingID != pingID {
			return fmt.Errorf("pong: unexpected ping id %x", pong.PingID)
		}
		m.Info(idApp, "Pong %x, clock offset %v", pong.PingID,
			m.clock.Offset())
	}
	return nil
}

func _main() error {
	m := &MTP{}

	// flags and settings
	var err error
	m.settings, err = ObtainSettings()
	if err != nil {
		return err
	}

	// create paths
	err = os.MkdirAll(m.settings.Root, 0700)
	if err != nil {
		return err
	}

	// handle logging
	m.Debug, err = debug.New(m.settings.LogFile, m.settings.TimeFormat)
	if err != nil {
		return err
	}
	m.Register(idApp, "[APP]")

	// register remaining subsystems
	m.Register(idNet, "[NET]")
	m.Register(idReg, "[REG]")
	m.Register(idSes, "[SES]")
	m.Register(idDl, "[DL ]")

	// print version
	m.Info(idApp, "Version: %v", mtputil.Version())

	if m.settings.Debug {
		m.EnableDebug()
	}
	if m.settings.Trace {
		m.EnableTrace()
	}

	// datacenters and their keys
	m.catalog, err = dcoptions.Load(m.settings.Catalog)
	if err != nil {
		return fmt.Errorf("could not load catalog: %v", err)
	}

	password := os.Getenv(passwordEnv)
	if password == "" {
		return fmt.Errorf("%v not set", passwordEnv)
	}
	store := keystore.New(m.settings.KeyStore, password)
	keys, err := store.Load()
	if err != nil {
		return fmt.Errorf("could not load keys: %v", err)
	}
	m.registry = registry.New(m.Debug, idReg)
	m.registry.AddPersistentKeys(keys)
	m.Info(idApp, "Loaded %v persistent keys", len(keys))

	m.clock = rpc.NewClock()
	m.dialer = &transport.Dialer{
		Catalog: m.catalog,
		Log:     m.Debug,
		LogID:   idNet,
	}

	m.Info(idApp, "Start of day")
	m.Info(idApp, "Settings %v", spew.Sdump(m.settings))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	ms := session.New(m.sessionConfig(m.settings.DC))
	c := &connector{m: m, ctx: ctx}
	scheduler := download.New(download.Config{
		Connector:   c,
		MaxSessions: m.settings.MaxSessions,
		Log:         m.Debug,
		LogID:       idDl,
	})
	c.scheduler = scheduler

	eg.Go(func() error { return ms.Run(ctx) })
	eg.Go(func() error { return scheduler.Run(ctx) })
	eg.Go(func() error {
		err := m.ping(ctx, ms)
		if err == nil && *output != "" {
			err = m.fetch(ctx, scheduler)
		}
		if err == nil {
			// done, stop the sessions
			cancel()
		}
		return err
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// persistent keys survive the run even when it failed
	if serr := store.Save(m.registry.PersistentKeys()); serr != nil {
		m.Error(idApp, "could not save keys: %v", serr)
		if err == nil {
			err = serr
		}
	}

	m.Info(idApp, "End of times")
	return err
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
