package httputil

import (
	"strings"
	"testing"
)

func TestReadAllWithLimit(t *testing.T) {
	data, truncated, err := ReadAllWithLimit(strings.NewReader("hello world"), 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation")
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected data: %q", data)
	}

	data, truncated, err = ReadAllWithLimit(strings.NewReader("hi"), 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if truncated {
		t.Fatal("unexpected truncation")
	}
	if string(data) != "hi" {
		t.Fatalf("unexpected data: %q", data)
	}
}

func TestReadAllStrict(t *testing.T) {
	if _, err := ReadAllStrict(strings.NewReader("too long"), 3); err == nil {
		t.Fatal("expected error for oversized body")
	}

	data, err := ReadAllStrict(strings.NewReader("ok"), 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ok" {
		t.Fatalf("unexpected data: %q", data)
	}
}
