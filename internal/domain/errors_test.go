package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{ErrDecode, KindDecode},
		{fmt.Errorf("ledger: open: %w", ErrAlreadyOpen), KindAlreadyOpen},
		{fmt.Errorf("ledger: bid: %w", ErrAuctionClosed), KindAuctionClosed},
		{ErrAuctionNotFound, KindAuctionNotFound},
		{fmt.Errorf("wrapped: %w", ErrStorage), KindStorage},
		{ErrUnknownMethod, KindUnknownMethod},
		{errors.New("boom"), KindInternal},
		// A lifecycle rejection wins over a storage error joined to it.
		{errors.Join(ErrStorage, ErrAlreadyOpen), KindAlreadyOpen},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), "err=%v", tc.err)
	}
}

func TestErrorKind_Sentinel(t *testing.T) {
	for _, err := range []error{ErrDecode, ErrAlreadyOpen, ErrAuctionClosed, ErrAuctionNotFound, ErrStorage, ErrUnknownMethod} {
		assert.Same(t, err, KindOf(err).Sentinel())
	}
	assert.Nil(t, KindInternal.Sentinel())
	assert.Nil(t, ErrorKind("bogus").Sentinel())
}
