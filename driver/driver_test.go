package driver

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 25, 1 << 20} {
		cursor := EncodeCursor(offset)
		got, err := DecodeCursor(cursor)
		if err != nil {
			t.Fatalf("DecodeCursor(%q): %v", cursor, err)
		}
		if got != offset {
			t.Errorf("round trip offset %d: got %d", offset, got)
		}
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{"not-base64!!", "YWJj", ""} {
		if _, err := DecodeCursor(cursor); err == nil {
			t.Errorf("DecodeCursor(%q): expected error", cursor)
		}
	}
}

func TestDecodeCursorRejectsNegativeOffset(t *testing.T) {
	var buf [8]byte
	offset := int64(-5)
	binary.LittleEndian.PutUint64(buf[:], uint64(offset))
	cursor := base64.StdEncoding.EncodeToString(buf[:])
	if _, err := DecodeCursor(cursor); err == nil {
		t.Error("expected error for negative offset")
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	wm := EncodeWatermark(at)
	got, err := DecodeWatermark(wm)
	if err != nil {
		t.Fatalf("DecodeWatermark: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("round trip watermark: got %v, want %v", got, at)
	}
}

func TestCreateOrderRequestValidate(t *testing.T) {
	valid := CreateOrderRequest{
		CustomerNumber: "C-100",
		Lines:          []OrderLine{{ArticleID: "A-1", Quantity: 2, UnitPrice: 9.5}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	missing := valid
	missing.CustomerNumber = ""
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing customer number")
	}

	empty := valid
	empty.Lines = nil
	if err := empty.Validate(); err == nil {
		t.Error("expected error for order without lines")
	}

	badQty := valid
	badQty.Lines = []OrderLine{{ArticleID: "A-1", Quantity: 0, UnitPrice: 9.5}}
	if err := badQty.Validate(); err == nil {
		t.Error("expected error for zero quantity line")
	}
}

func TestRegistryOpensRegisteredFactory(t *testing.T) {
	reg := NewRegistry()
	reg.Register("memory", func(string) (Driver, error) { return NewMemory(), nil })

	d, err := reg.Open("memory", "")
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if d.Name() != "memory" {
		t.Errorf("Name() = %q, want memory", d.Name())
	}

	if _, err := reg.Open("enventa", ""); err == nil {
		t.Error("expected error for unregistered driver")
	}

	names := reg.List()
	if len(names) != 1 || names[0] != "memory" {
		t.Errorf("List() = %v, want [memory]", names)
	}
}

func TestDefaultRegistryCarriesBuiltins(t *testing.T) {
	for _, name := range []string{"memory", "sqlite"} {
		found := false
		for _, got := range Default.List() {
			if got == name {
				found = true
			}
		}
		if !found {
			t.Errorf("built-in driver %q not registered, have %v", name, Default.List())
		}
	}

	d, err := Open("memory", "")
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if d.Name() != "memory" {
		t.Errorf("Name() = %q, want memory", d.Name())
	}
}

func TestFindArticleNotFound(t *testing.T) {
	mem := NewMemory()
	conn, err := mem.Open(Identity{Username: "svc", Password: "x"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	_, err = conn.FindArticle(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FindArticle(missing) = %v, want ErrNotFound", err)
	}
}
