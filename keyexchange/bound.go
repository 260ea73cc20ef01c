// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyexchange

import (
	"context"
	"fmt"
	"time"

	"github.com/companyzero/mtpcore/authkey"
)

const (
	// TemporaryExpiresIn is the lifetime requested for temporary keys.
	TemporaryExpiresIn = 86400 * time.Second

	// bindAdditionalExpiry is added to the local expiry of a temporary key.
	bindAdditionalExpiry = 30 * time.Second
)

// BoundResult holds the keys created by CreateBound.
type BoundResult struct {
	Persistent *authkey.AuthKey // nil unless created by this run
	Temporary  *authkey.AuthKey
	Salt       uint64 // server salt for Temporary
}

// CreateBound creates a temporary key, preceded by a persistent key when
// withPersistent is set.  Both exchanges run on the same pipe.  The caller
// binds the temporary key to the persistent one afterwards.
func (kx *KX) CreateBound(ctx context.Context, withPersistent bool, expiresIn time.Duration) (*BoundResult, error) {
	if expiresIn <= 0 {
		expiresIn = TemporaryExpiresIn
	}

	var br BoundResult
	if withPersistent {
		r, err := kx.Create(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("persistent key: %w", err)
		}
		br.Persistent = r.Key
	}

	r, err := kx.Create(ctx, expiresIn)
	if err != nil {
		return nil, fmt.Errorf("temporary key: %w", err)
	}
	r.Key.SetExpiresAt(kx.Clock.Now().Add(expiresIn + bindAdditionalExpiry))
	br.Temporary = r.Key
	br.Salt = r.Salt
	return &br, nil
}
