// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/companyzero/mtpcore/mtputil"
	"github.com/companyzero/mtpcore/settings"
)

const passwordEnv = "MTPCORE_PASSWORD"

var (
	docID   = flag.Uint64("docid", 0, "document id to download")
	docHash = flag.Uint64("dochash", 0, "document access hash")
	docRef  = flag.String("docref", "", "hex encoded file reference")
	docDC   = flag.Int("docdc", 0, "datacenter holding the document, "+
		"main datacenter when 0")
	docSize   = flag.Int64("size", 0, "document size, unknown when 0")
	output    = flag.String("o", "", "download destination")
	digest    = flag.String("sha256", "", "expected digest of the download")
	pingCount = flag.Int("ping", 1, "pings to send on the main session")
)

func ObtainSettings() (*settings.Settings, error) {
	// defaults
	s := settings.New()

	// setup default paths
	root, err := mtputil.DefaultRootPath()
	if err != nil {
		return nil, err
	}

	// config file
	filename := flag.String("cfg", filepath.Join(root, "mtpcore.conf"),
		"config file")
	version := flag.Bool("version", false, "show version")
	flag.Parse()

	if *version {
		fmt.Fprintf(os.Stderr, "mtpcore %s (%s)\n",
			mtputil.Version(), runtime.Version())
		os.Exit(0)
	}

	// load file
	err = s.Load(*filename)
	if err != nil {
		return nil, err
	}

	return s, nil
}
