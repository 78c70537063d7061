package protocolerrors

import (
	"testing"

	"github.com/gnutd/gnutd/wire"
	"github.com/pkg/errors"
)

func TestProtocolErrorClassification(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		expectedShouldBan bool
		expectedIsTooBig  bool
	}{
		{
			name:              "wrapped packet too big",
			err:               Wrap(true, wire.ErrPacketTooBig, "reading message"),
			expectedShouldBan: true,
			expectedIsTooBig:  true,
		},
		{
			name:              "not banning",
			err:               Errorf(false, "unexpected status %d", 404),
			expectedShouldBan: false,
		},
		{
			name:              "wrapped again by a caller",
			err:               errors.Wrap(New(true, "bad greeting"), "handshake"),
			expectedShouldBan: true,
		},
		{
			name:              "plain error",
			err:               errors.New("connection reset"),
			expectedShouldBan: false,
		},
	}

	for _, test := range tests {
		if ShouldBan(test.err) != test.expectedShouldBan {
			t.Errorf("%s: expected ShouldBan %t", test.name, test.expectedShouldBan)
		}
		if errors.Is(test.err, wire.ErrPacketTooBig) != test.expectedIsTooBig {
			t.Errorf("%s: expected errors.Is(ErrPacketTooBig) %t", test.name, test.expectedIsTooBig)
		}
	}
}
