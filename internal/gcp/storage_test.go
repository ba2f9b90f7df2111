package gcp

import "testing"

func TestParseURI(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		bucket, object, err := ParseURI("gs://my-bucket/path/to/object.pdf")
		if err != nil {
			t.Fatalf("ParseURI error: %v", err)
		}
		if bucket != "my-bucket" || object != "path/to/object.pdf" {
			t.Errorf("ParseURI = %q, %q", bucket, object)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		for _, uri := range []string{"", "http://bucket/object", "gs://bucket", "gs:///object", "gs://bucket/"} {
			if _, _, err := ParseURI(uri); err == nil {
				t.Errorf("ParseURI(%q) succeeded, want error", uri)
			}
		}
	})
}

func TestURIRoundTrip(t *testing.T) {
	uri := URI("b", "dir/file.md")
	if uri != "gs://b/dir/file.md" {
		t.Fatalf("URI = %q", uri)
	}
	bucket, object, err := ParseURI(uri)
	if err != nil || bucket != "b" || object != "dir/file.md" {
		t.Errorf("round trip = %q, %q, %v", bucket, object, err)
	}
}
