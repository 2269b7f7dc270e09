package manifest

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

func TestParseCSVBasic(t *testing.T) {
	data := []byte("To,From,Body\n+15550001,+15559999,hello\n+15550002,+15559999,hi there\n+15550003,+15559999,bye\n")

	res, err := ParseCSV(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.MessageRequest{
		{"To": "+15550001", "From": "+15559999", "Body": "hello"},
		{"To": "+15550002", "From": "+15559999", "Body": "hi there"},
		{"To": "+15550003", "From": "+15559999", "Body": "bye"},
	}
	if diff := cmp.Diff(want, res.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected no row errors, got %v", res.Errors)
	}
}

func TestParseCSVQuotedFields(t *testing.T) {
	data := []byte("To,From,Body\r\n" +
		`+1555,+1999,"Hello, \"friend\""` + "\r\n" +
		`+1556,+1999,'it\'s here'` + "\r\n" +
		`+1557,+1999,  "keep \n literal"  ` + "\r\n")

	res, err := ParseCSV(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d (%v)", len(res.Messages), res.Errors)
	}
	if got := res.Messages[0]["Body"]; got != `Hello, "friend"` {
		t.Fatalf("unexpected body %q", got)
	}
	if got := res.Messages[1]["Body"]; got != "it's here" {
		t.Fatalf("unexpected body %q", got)
	}
	if got := res.Messages[2]["Body"]; got != `keep \n literal` {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestParseCSVRejectsMalformedRows(t *testing.T) {
	data := []byte("To,From,Body\n" +
		"+1555,+1999,ok\n" +
		`+1556,+1999,"unterminated` + "\n" +
		"\n" +
		`+1557,+1999,bare"quote` + "\n" +
		",+1999,no recipient\n" +
		"+1558,+1999,fine\n")

	res, err := ParseCSV(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 accepted messages, got %d", len(res.Messages))
	}
	if res.Messages[1].Recipient() != "+1558" {
		t.Fatalf("input order not preserved: %v", res.Messages)
	}
	gotLines := make([]int, 0, len(res.Errors))
	for _, e := range res.Errors {
		gotLines = append(gotLines, e.Line)
	}
	if diff := cmp.Diff([]int{3, 5, 6}, gotLines); diff != "" {
		t.Fatalf("error lines mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCSVShortAndTrailingComma(t *testing.T) {
	res, err := ParseCSV([]byte("To,From,Body,MediaUrl\n+1,+2,\n+3,+4\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.MessageRequest{
		{"To": "+1", "From": "+2", "Body": ""},
		{"To": "+3", "From": "+4"},
	}
	if diff := cmp.Diff(want, res.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCSVWithoutHeader(t *testing.T) {
	if _, err := ParseCSV([]byte("\n\n")); !errors.Is(err, ErrManifestUnreadable) {
		t.Fatalf("expected ErrManifestUnreadable, got %v", err)
	}
}

func TestParseJSON(t *testing.T) {
	data := []byte(`{"messages":[
		{"To":"+1555","From":"+1999","Body":"hello","ValidityPeriod":600},
		{"To":"+1556","From":"+1999","Body":"again"},
		"not an object",
		{"From":"+1999"}
	]}`)

	res, err := ParseJSON(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(res.Messages))
	}
	if got := res.Messages[0].Form().Get("ValidityPeriod"); got != "600" {
		t.Fatalf("expected numeric passthrough 600, got %q", got)
	}
	if len(res.Errors) != 2 || res.Errors[0].Line != 3 || res.Errors[1].Line != 4 {
		t.Fatalf("unexpected errors %v", res.Errors)
	}
}

func TestParseJSONUnreadable(t *testing.T) {
	for name, input := range map[string]string{
		"invalid":  `{"messages":`,
		"missing":  `{"items":[]}`,
		"nonarray": `{"messages":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseJSON([]byte(input)); !errors.Is(err, ErrManifestUnreadable) {
				t.Fatalf("expected ErrManifestUnreadable, got %v", err)
			}
		})
	}
}

func TestCSVAndJSONProduceSameShape(t *testing.T) {
	csvRes, err := Parse([]byte("To,From,Body\n+1,+2,a\n+3,+4,b\n"), FormatCSV)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	jsonRes, err := Parse([]byte(`{"messages":[{"To":"+1","From":"+2","Body":"a"},{"To":"+3","From":"+4","Body":"b"}]}`), FormatJSON)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if diff := cmp.Diff(csvRes.Messages, jsonRes.Messages); diff != "" {
		t.Fatalf("formats disagree (-csv +json):\n%s", diff)
	}
}

func TestFormatFromKey(t *testing.T) {
	if f, err := FormatFromKey("uploads/batch.CSV"); err != nil || f != FormatCSV {
		t.Fatalf("got %q, %v", f, err)
	}
	if f, err := FormatFromKey("batch.json"); err != nil || f != FormatJSON {
		t.Fatalf("got %q, %v", f, err)
	}
	if _, err := FormatFromKey("batch.xml"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}
