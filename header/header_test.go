package header

import (
	"errors"
	"net/http"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestFromRequest(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", "10")
	h.Set("X-Other", "dropped")

	got, err := FromRequest(h, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != 200 || len(got.Fields) != 1 || got.Get("content-type") != "application/json" {
		t.Fatalf("got %+v", got)
	}

	if _, err := FromRequest(h, 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("limit err=%v", err)
	}
	h.Set("Content-Length", "ten")
	if _, err := FromRequest(h, 0); !errors.Is(err, ErrBadLength) {
		t.Fatalf("length err=%v", err)
	}

	got, _ = FromRequest(http.Header{}, 0)
	if got.Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("default content type: %+v", got)
	}
}

func TestFromResponseDropsHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close, X-Private")
	h.Set("X-Private", "1")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Length", "3")
	h.Set("Cache-Control", "max-age=60")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	got := FromResponse(203, h)
	want := Header{Status: 203, Fields: []Field{
		{"Cache-Control", "max-age=60"},
		{"Set-Cookie", "a=1"},
		{"Set-Cookie", "b=2"},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v\nwant %+v", got, want)
	}

	w := http.Header{}
	got.Apply(w)
	if len(w.Values("Set-Cookie")) != 2 || w.Get("Cache-Control") != "max-age=60" {
		t.Fatalf("applied %v", w)
	}
}

func TestCodecs(t *testing.T) {
	in := Header{Status: 200, Fields: []Field{{"Content-Type", "text/plain"}, {"Vary", "Accept"}}}
	for _, name := range []string{"", "msgpack", "cbor", "json", "protobuf"} {
		c, err := Codec(name)
		if err != nil {
			t.Fatalf("%q: %v", name, err)
		}
		b, err := c.Encode(in)
		if err != nil {
			t.Fatalf("%q encode: %v", name, err)
		}
		out, err := c.Decode(b)
		if err != nil {
			t.Fatalf("%q decode: %v", name, err)
		}
		if !reflect.DeepEqual(out, in) {
			t.Fatalf("%q: got %+v", name, out)
		}
	}
	if _, err := Codec("xml"); err == nil {
		t.Fatal("unknown codec accepted")
	}
}

func TestProtoSkipsUnknownAndRejectsTruncated(t *testing.T) {
	b, _ := Proto{}.Encode(Header{Status: 304})
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	h, err := Proto{}.Decode(b)
	if err != nil || h.Status != 304 {
		t.Fatalf("h=%+v err=%v", h, err)
	}

	full, _ := Proto{}.Encode(Header{Fields: []Field{{"A", "B"}}})
	if _, err := (Proto{}).Decode(full[:len(full)-1]); err == nil {
		t.Fatal("truncated input accepted")
	}
}
