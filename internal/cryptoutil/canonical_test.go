package cryptoutil

import "testing"

func TestCanonicalizeSortsKeys(t *testing.T) {
	got, err := Canonicalize([]byte(`{"b":1,"a":2,"c":{"z":1,"y":2}}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalizeStripsWhitespace(t *testing.T) {
	got, err := Canonicalize([]byte(`{  "a" :  [1,  2,   3]  }`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(got) != `{"a":[1,2,3]}` {
		t.Fatalf("got %s", got)
	}
}

func TestCanonicalizePreservesNumberRepresentation(t *testing.T) {
	got, err := Canonicalize([]byte(`{"n":1.50000}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(got) != `{"n":1.50000}` {
		t.Fatalf("expected original decimal representation preserved, got %s", got)
	}
}

func TestCanonicalizeBooleansLowercase(t *testing.T) {
	got, err := Canonicalize([]byte(`{"t":true,"f":false,"n":null}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(got) != `{"f":false,"n":null,"t":true}` {
		t.Fatalf("got %s", got)
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	once, err := Canonicalize([]byte(`{"b":{"y":[3,2,1]},"a":"hello \"world\""}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	twice, err := Canonicalize(once)
	if err != nil {
		t.Fatalf("re-canonicalize failed: %v", err)
	}
	if string(once) != string(twice) {
		t.Fatalf("canonicalize is not idempotent: %s != %s", once, twice)
	}
}

func TestCanonicalizeDoesNotHTMLEscape(t *testing.T) {
	got, err := Canonicalize([]byte(`{"a":"<tag>&\"quote\"'"}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	want := `{"a":"<tag>&\"quote\"'"}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	if _, err := Canonicalize([]byte(`not json`)); err == nil {
		t.Fatal("expected error decoding invalid JSON")
	}
}
