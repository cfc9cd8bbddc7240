package qwire

import (
	"bytes"
	"testing"

	"github.com/libp2p/go-msgio"
)

// harness pairs a msgio writer and reader over one in-memory buffer.
func newFrameHarness() (msgio.Writer, msgio.Reader) {
	var buf bytes.Buffer
	return msgio.NewVarintWriter(&buf), msgio.NewVarintReader(&buf)
}

func testHeader(n BlockNumber) BlockHeader {
	var hash, parent BlockHash
	hash[0] = byte(n) + 1
	parent[0] = byte(n)
	return BlockHeader{
		Number:     n,
		Hash:       hash,
		ParentHash: parent,
		Timestamp:  1700000000 + int64(n),
	}
}

// TestQueryFrameRoundTrip asserts that a block query survives the trip
// through a session frame for both locator variants.
func TestQueryFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var hash BlockHash
	hash[31] = 0x7f

	queries := []BlockQuery{
		{
			Start:     NumberLocator{Number: 42},
			Direction: Forward,
			Limit:     10,
			Step:      1,
		},
		{
			Start:     HashLocator{Hash: hash},
			Direction: Backward,
			Limit:     1,
			Step:      64,
		},
	}

	for _, query := range queries {
		w, r := newFrameHarness()

		if err := WriteMessageFrame(w, &query); err != nil {
			t.Fatalf("unable to write query frame: %v", err)
		}

		decoded, err := ReadQueryFrame(r)
		if err != nil {
			t.Fatalf("unable to read query frame: %v", err)
		}

		if *decoded != query {
			t.Fatalf("query mismatch: expected %v, got %v",
				query, *decoded)
		}
	}
}

// TestDataFrameRoundTrip asserts that each data variant survives the trip
// through a session frame.
func TestDataFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var sig BlockSignature
	sig[0] = 0xaa
	sig[SignatureSize-1] = 0xbb

	items := []Data{
		&HeaderAndSignature{Header: testHeader(7)},
		&HeaderAndSignature{
			Header:    testHeader(8),
			Signature: &sig,
		},
		&Fin{},
	}

	for _, item := range items {
		w, r := newFrameHarness()

		if err := WriteMessageFrame(w, item); err != nil {
			t.Fatalf("unable to write data frame: %v", err)
		}

		decoded, err := ReadDataFrame(r)
		if err != nil {
			t.Fatalf("unable to read data frame: %v", err)
		}

		switch expected := item.(type) {
		case *HeaderAndSignature:
			got, ok := decoded.(*HeaderAndSignature)
			if !ok {
				t.Fatalf("expected header frame, got %T",
					decoded)
			}
			if got.Header != expected.Header {
				t.Fatalf("header mismatch: expected %v, "+
					"got %v", expected.Header, got.Header)
			}

			switch {
			case expected.Signature == nil && got.Signature != nil:
				t.Fatalf("unexpected signature %x",
					got.Signature[:])
			case expected.Signature != nil && got.Signature == nil:
				t.Fatalf("missing signature")
			case expected.Signature != nil &&
				*got.Signature != *expected.Signature:

				t.Fatalf("signature mismatch")
			}

		case *Fin:
			if _, ok := decoded.(*Fin); !ok {
				t.Fatalf("expected Fin, got %T", decoded)
			}
		}
	}
}

// TestReadQueryFrameRejectsData asserts that a session opened with anything
// but a query frame is rejected.
func TestReadQueryFrameRejectsData(t *testing.T) {
	t.Parallel()

	w, r := newFrameHarness()
	if err := WriteMessageFrame(w, &Fin{}); err != nil {
		t.Fatalf("unable to write frame: %v", err)
	}

	if _, err := ReadQueryFrame(r); err == nil {
		t.Fatalf("expected rejection of non-query opening frame")
	}
}

// TestUnknownMessageType asserts that a frame carrying an unknown type tag
// fails to decode.
func TestUnknownMessageType(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := msgio.NewVarintWriter(&buf)
	if err := w.WriteMsg([]byte{0xff, 0x01, 0x02}); err != nil {
		t.Fatalf("unable to write raw frame: %v", err)
	}

	r := msgio.NewVarintReader(&buf)
	if _, err := readMessageFrame(r); err == nil {
		t.Fatalf("expected unknown message type error")
	}
}

// TestBlockQueryValidate asserts the protocol bounds on query fields.
func TestBlockQueryValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query BlockQuery
		valid bool
	}{
		{
			name: "valid",
			query: BlockQuery{
				Start:     NumberLocator{},
				Direction: Forward,
				Limit:     1,
				Step:      1,
			},
			valid: true,
		},
		{
			name: "zero limit",
			query: BlockQuery{
				Start:     NumberLocator{},
				Direction: Forward,
				Limit:     0,
				Step:      1,
			},
		},
		{
			name: "zero step",
			query: BlockQuery{
				Start:     NumberLocator{},
				Direction: Backward,
				Limit:     1,
				Step:      0,
			},
		},
		{
			name: "missing locator",
			query: BlockQuery{
				Direction: Forward,
				Limit:     1,
				Step:      1,
			},
		},
	}

	for _, test := range tests {
		err := test.query.Validate()
		if test.valid && err != nil {
			t.Fatalf("%v: unexpected error: %v", test.name, err)
		}
		if !test.valid && err == nil {
			t.Fatalf("%v: expected validation error", test.name)
		}
	}
}
