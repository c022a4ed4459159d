package tokenizer

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Hund!", "hund"},
		{"  God   morgen  ", "god morgen"},
		{"blåbær-syltetøy", "blåbær syltetøy"},
		{"Собака, кошка", "собака кошка"},
		{"...", ""},
		{"a1-b2", "a1 b2"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTokenizeDropsShortTokens(t *testing.T) {
	got := Tokenize("i en by å bo")
	want := []string{"en", "by", "bo"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

func TestTokenizeQueryCapsTerms(t *testing.T) {
	got := TokenizeQuery("en to tre fire fem", 3)
	if len(got) != 3 {
		t.Fatalf("got %d terms, want 3", len(got))
	}
	if got[0] != "en" || got[2] != "tre" {
		t.Errorf("kept terms %v, want the first three", got)
	}
}

func TestUniqueTermsPreservesFirstSeenOrder(t *testing.T) {
	got := UniqueTerms("hund og katt", "katt og mus")
	want := []string{"hund", "og", "katt", "mus"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("UniqueTerms = %v, want %v", got, want)
	}
}

func TestNormalizeKeepsCyrillic(t *testing.T) {
	terms := Tokenize("хорошая собака")
	if len(terms) != 2 {
		t.Fatalf("got %v, want two Cyrillic terms", terms)
	}
}
