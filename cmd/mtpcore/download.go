// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/companyzero/mtpcore/download"
	"github.com/companyzero/mtpcore/mtputil"
	"github.com/companyzero/mtpcore/registry"
	"github.com/companyzero/mtpcore/session"
)

// subSession is a download session that runs until stopped.
type subSession struct {
	*session.Session
	cancel context.CancelFunc
}

func (s *subSession) Stop() {
	s.cancel()
}

// connector starts media sessions for the download scheduler.
type connector struct {
	m         *MTP
	ctx       context.Context
	scheduler *download.Scheduler
}

func (c *connector) Start(dc, index int) download.Conn {
	cfg := c.m.sessionConfig(dc)
	cfg.Type = registry.MediaCluster
	cfg.Ping = false
	cfg.TimedOut = func() {
		c.scheduler.TimedOut(dc, index)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	s := &subSession{Session: session.New(cfg), cancel: cancel}
	c.m.Dbg(idDl, "dc %v: starting download session %v", dc, index)
	go func() {
		err := s.Run(ctx)
		c.m.Dbg(idDl, "dc %v: download session %v exit: %v", dc, index,
			err)
	}()
	return s
}

// fetch downloads the document named on the command line into output.
func (m *MTP) fetch(ctx context.Context, scheduler *download.Scheduler) error {
	ref, err := hex.DecodeString(*docRef)
	if err != nil {
		return fmt.Errorf("invalid file reference: %v", err)
	}
	dc := *docDC
	if dc == 0 {
		dc = m.settings.DC
	}

	f, err := os.OpenFile(*output, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	doc := &download.Document{
		ID:            *docID,
		AccessHash:    *docHash,
		FileReference: ref,
	}
	task := download.NewTask(dc, *docSize, doc, f)
	scheduler.Enqueue(task, 1)
	m.Info(idApp, "Downloading document %v from dc %v into %v",
		*docID, dc, *output)

	select {
	case <-ctx.Done():
		scheduler.Cancel(task)
		return ctx.Err()
	case err = <-task.Done:
	}
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err := f.Sync(); err != nil {
		return err
	}

	if *digest != "" {
		if err := mtputil.VerifyDigest(*output, *digest); err != nil {
			return err
		}
		m.Info(idApp, "Digest verified: %v", *digest)
	}
	m.Info(idApp, "Download complete: %v", *output)
	return nil
}
