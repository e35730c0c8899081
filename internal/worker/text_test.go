package worker

import (
	"reflect"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	md := "# Chapter One\n\nIt was late. Was it raining? \"Yes.\" Pi is 3.14 today!\n\n你好。再见。\n"
	got := splitSentences(md)

	want := []sentence{
		{Paragraph: 1, Index: 1, Text: "# Chapter One"},
		{Paragraph: 2, Index: 2, Text: "It was late."},
		{Paragraph: 2, Index: 3, Text: "Was it raining?"},
		{Paragraph: 2, Index: 4, Text: "\"Yes.\""},
		{Paragraph: 2, Index: 5, Text: "Pi is 3.14 today!"},
		{Paragraph: 3, Index: 6, Text: "你好。"},
		{Paragraph: 3, Index: 7, Text: "再见。"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected sentences:\n got %#v\nwant %#v", got, want)
	}
}

func TestSplitSentencesJoinsWrappedLines(t *testing.T) {
	got := splitSentences("one long\nwrapped line. next")
	if len(got) != 2 || got[0].Text != "one long wrapped line." || got[1].Text != "next" {
		t.Fatalf("unexpected sentences: %#v", got)
	}
}

func TestNormalizeMarkdown(t *testing.T) {
	in := "\xef\xbb\xbf# Title  \r\n\r\n\r\n\r\nbody\ttext \rmore\n\n"
	want := "# Title\n\nbody\ttext\nmore\n"
	if got := string(normalizeMarkdown([]byte(in))); got != want {
		t.Fatalf("normalizeMarkdown = %q, want %q", got, want)
	}
	if got := normalizeMarkdown(nil); len(got) != 0 {
		t.Fatalf("expected empty output, got %q", got)
	}
}
