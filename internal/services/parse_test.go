package services

import "testing"

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"class":"invoice"}`, `{"class":"invoice"}`},
		{"fenced with language", "```json\n{\"class\":\"invoice\"}\n```", `{"class":"invoice"}`},
		{"fenced without language", "```\n{\"class\":\"invoice\"}\n```", `{"class":"invoice"}`},
		{"surrounded by prose", `The answer is {"class":"invoice"} as requested.`, `{"class":"invoice"}`},
		{"nested braces", `{"a":{"b":1},"class":"x"}`, `{"a":{"b":1},"class":"x"}`},
		{"brace inside string", `{"class":"inv}oice"}`, `{"class":"inv}oice"}`},
		{"array value", `[1,2,3]`, `[1,2,3]`},
		{"no json", "just words", ""},
		{"unbalanced", `{"class":"invoice"`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractJSON(tc.in); got != tc.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseClassificationLabel(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"json class", `{"class": "invoice"}`, "invoice"},
		{"fenced json", "```json\n{\"class\": \"receipt\"}\n```", "receipt"},
		{"yaml class", "class: bank_statement\nconfidence: high", "bank_statement"},
		{"plain text label", "The document type: invoice\nbecause of the totals", "invoice"},
		{"classification prefix", "Classification: receipt", "receipt"},
		{"quoted label", `class: "invoice"`, "invoice"},
		{"nothing usable", "I cannot determine this.", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseClassificationLabel(tc.in); got != tc.want {
				t.Errorf("parseClassificationLabel(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
