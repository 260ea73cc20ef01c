// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package download

import (
	"errors"
	"fmt"

	"github.com/companyzero/mtpcore/rpc"
)

const (
	crcUploadGetFile             = 0xbe5335be
	crcUploadFile                = 0x096a18d5
	crcUploadFileCdnRedirect     = 0xf18cda44
	crcInputDocumentFileLocation = 0xbad07584

	getFileFlags = 0 // cdn redirects not supported
)

var (
	ErrCdnRedirect = errors.New("file moved to a cdn")
)

// Document locates a stored document.  It is a Source for upload.getFile
// requests.
type Document struct {
	ID            uint64
	AccessHash    uint64
	FileReference []byte
	ThumbSize     string
}

// Request returns upload.getFile for limit bytes at offset.
func (d *Document) Request(offset int64, limit int) []byte {
	e := rpc.NewEncoder(64 + len(d.FileReference))
	e.PutUint32(crcUploadGetFile)
	e.PutUint32(getFileFlags)
	e.PutUint32(crcInputDocumentFileLocation)
	e.PutUint64(d.ID)
	e.PutUint64(d.AccessHash)
	e.PutBytes(d.FileReference)
	e.PutString(d.ThumbSize)
	e.PutUint64(uint64(offset))
	e.PutInt32(int32(limit))
	return e.Buf()
}

// Part returns the bytes carried by an upload.file answer.
func (d *Document) Part(reply []byte) ([]byte, error) {
	switch c := rpc.PeekConstructor(reply); c {
	case crcUploadFile:
	case crcUploadFileCdnRedirect:
		return nil, ErrCdnRedirect
	default:
		return nil, fmt.Errorf("upload.file: %w", rpc.ErrUnexpected)
	}
	dec := rpc.NewDecoder(reply[4:])
	dec.Uint32() // storage.FileType
	dec.Int32()  // mtime
	b := dec.Bytes()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("upload.file: %w", err)
	}
	return b, nil
}
