package parser

import (
	"reflect"
	"testing"
)

func TestParse_FrontmatterAndBody(t *testing.T) {
	data := []byte(`---
title: My Note
favorite: true
tags:
  - alpha
  - beta
---

Body with [[other-note]] and a #gamma tag.
`)
	res, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Title != "My Note" {
		t.Errorf("title = %q, want My Note", res.Title)
	}
	if !res.Favorite {
		t.Error("favorite not picked up from frontmatter")
	}
	wantTags := []string{"alpha", "beta", "gamma"}
	if !reflect.DeepEqual(res.Tags, wantTags) {
		t.Errorf("tags = %v, want %v", res.Tags, wantTags)
	}
	if !reflect.DeepEqual(res.Links, []string{"other-note"}) {
		t.Errorf("links = %v", res.Links)
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	res, err := Parse([]byte("# Heading Title\n\nplain body"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Frontmatter != nil {
		t.Error("expected nil frontmatter")
	}
	if res.Title != "Heading Title" {
		t.Errorf("title = %q, want H1 fallback", res.Title)
	}
}

func TestParse_InvalidYAMLDegradesToBody(t *testing.T) {
	data := []byte("---\n: : bad: [\n---\nbody")
	res, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Frontmatter != nil {
		t.Error("invalid YAML should yield nil frontmatter")
	}
	if res.Body != string(data) {
		t.Error("invalid YAML should degrade the whole input to body")
	}
}

func TestParse_WordCount(t *testing.T) {
	res, _ := Parse([]byte("one two three\nfour"))
	if res.WordCount != 4 {
		t.Errorf("word count = %d, want 4", res.WordCount)
	}
}

func TestParse_LinkAliasesAndDedup(t *testing.T) {
	res, _ := Parse([]byte("[[a|Alias]] [[a]] [[b]] [[ ]]"))
	want := []string{"a", "b"}
	if !reflect.DeepEqual(res.Links, want) {
		t.Errorf("links = %v, want %v", res.Links, want)
	}
}
