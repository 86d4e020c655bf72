package main

import "testing"

// TestParseLoginParams covers both wire shapes of authorize/login args.
func TestParseLoginParams(t *testing.T) {
	p, serr := parseLoginParams([]interface{}{"1Addr.worker1", "x"})
	if serr != nil {
		t.Fatalf("array form rejected: %v", serr.Message)
	}
	if p.user != "1Addr.worker1" || p.pass != "x" {
		t.Fatalf("array form parsed as %+v", p)
	}

	p, serr = parseLoginParams(map[string]interface{}{"login": "1Addr", "password": "y"})
	if serr != nil {
		t.Fatalf("object form rejected: %v", serr.Message)
	}
	if p.user != "1Addr" || p.pass != "y" {
		t.Fatalf("object form parsed as %+v", p)
	}

	if _, serr = parseLoginParams([]interface{}{}); serr == nil {
		t.Fatal("empty params accepted")
	}
	if _, serr = parseLoginParams("nope"); serr == nil {
		t.Fatal("string params accepted")
	}
}

func TestSplitLoginUser(t *testing.T) {
	cases := []struct {
		in, address, worker string
	}{
		{"1Addr.rig1", "1Addr", "rig1"},
		{"1Addr", "1Addr", "default"},
		{"1Addr.", "1Addr", "default"},
	}
	for _, c := range cases {
		address, worker := splitLoginUser(c.in)
		if address != c.address || worker != c.worker {
			t.Fatalf("splitLoginUser(%q) = %q/%q, want %q/%q", c.in, address, worker, c.address, c.worker)
		}
	}
}

// TestParseSubmitParams covers array form with and without the trailing
// result hash, plus the object form.
func TestParseSubmitParams(t *testing.T) {
	p, serr := parseSubmitParams([]interface{}{"rig1", "j1", "00", "1700000000", "deadbeef"})
	if serr != nil {
		t.Fatalf("5-element array rejected: %v", serr.Message)
	}
	if p.jobID != "j1" || p.nonce != "deadbeef" || p.result != "" {
		t.Fatalf("5-element array parsed as %+v", p)
	}

	p, serr = parseSubmitParams([]interface{}{"rig1", "j1", "00", "1700000000", "deadbeef", "ff00"})
	if serr != nil {
		t.Fatalf("6-element array rejected: %v", serr.Message)
	}
	if p.result != "ff00" {
		t.Fatalf("result hash not captured: %+v", p)
	}

	p, serr = parseSubmitParams(map[string]interface{}{
		"job_id": "j2", "nonce": "1234", "ntime": "1700000000", "result": "aa",
	})
	if serr != nil {
		t.Fatalf("object form rejected: %v", serr.Message)
	}
	if p.jobID != "j2" || p.nTime != "1700000000" || p.result != "aa" {
		t.Fatalf("object form parsed as %+v", p)
	}

	if _, serr = parseSubmitParams([]interface{}{"rig1", "j1"}); serr == nil {
		t.Fatal("short array accepted")
	}
	if _, serr = parseSubmitParams(map[string]interface{}{"nonce": "1234"}); serr == nil {
		t.Fatal("missing job id accepted")
	}
	if _, serr = parseSubmitParams(map[string]interface{}{"job_id": "j1"}); serr == nil {
		t.Fatal("missing nonce accepted")
	}
}

func TestParseSuggestedDifficulty(t *testing.T) {
	d, serr := parseSuggestedDifficulty([]interface{}{float64(5000)})
	if serr != nil || d != 5000 {
		t.Fatalf("array form: d=%f serr=%v", d, serr)
	}
	d, serr = parseSuggestedDifficulty(float64(250))
	if serr != nil || d != 250 {
		t.Fatalf("bare number: d=%f serr=%v", d, serr)
	}
	if _, serr = parseSuggestedDifficulty([]interface{}{"high"}); serr == nil {
		t.Fatal("string difficulty accepted")
	}
}

// TestStratumErrorWireFormat pins the [code, message, null] error triple.
func TestStratumErrorWireFormat(t *testing.T) {
	data, err := fastJSONMarshal(newStratumError("Share is too old"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `[-1,"Share is too old",null]`
	if string(data) != want {
		t.Fatalf("error marshaled as %s, want %s", data, want)
	}
}

func TestIsHexString(t *testing.T) {
	if !isHexString("00ffAB") {
		t.Fatal("valid hex rejected")
	}
	if isHexString("") || isHexString("xyz") || isHexString("12 34") {
		t.Fatal("invalid hex accepted")
	}
}
