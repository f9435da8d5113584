package fdp

import "testing"

// Spec §8 round-trip property: encoding then decoding any FDP message
// yields the original fields (modulo the connector-id header, which this
// codec never serializes in the first place).
func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: Announce, Proto: Proto{ChunkSize: 1024, Chunks: 4, FWSize: 4096}, FWType: 1, FWVersion: 6, ChunkID: 0},
		{Type: Request, Proto: Proto{ChunkSize: 1024, Chunks: 4, FWSize: 4096}, FWType: 1, FWVersion: 6, ChunkID: 3},
		{Type: Data, Proto: Proto{ChunkSize: 8, Chunks: 2, FWSize: 16}, FWType: 1, FWVersion: 5, ChunkID: 1, Data: []byte("89abcdef")},
	}

	for _, want := range cases {
		raw, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Type != want.Type || got.Proto != want.Proto || got.FWType != want.FWType ||
			got.FWVersion != want.FWVersion || got.ChunkID != want.ChunkID {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
		if want.Type == Data && string(got.Data) != string(want.Data) {
			t.Fatalf("round trip data mismatch: got %q want %q", got.Data, want.Data)
		}
	}
}

func TestEncodeNonDataFrameCarriesNoData(t *testing.T) {
	raw, err := Encode(Frame{Type: Announce, Proto: Proto{ChunkSize: 8, Chunks: 1, FWSize: 8}, FWType: 1, FWVersion: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != headerSize {
		t.Fatalf("expected exactly headerSize bytes for non-Data frame, got %d", len(raw))
	}
}

func TestEncodeDataOverChunkSizeRejected(t *testing.T) {
	_, err := Encode(Frame{Type: Data, Proto: Proto{ChunkSize: 4}, Data: []byte("too-long")})
	if err == nil {
		t.Fatal("expected error for data exceeding chunk size")
	}
}

func TestDecodeShortHeaderRejected(t *testing.T) {
	_, err := Decode([]byte{0, 1, 2})
	if err == nil {
		t.Fatal("expected error decoding a short header")
	}
}
