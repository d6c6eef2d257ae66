package chainid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ocipull/ocipull/internal/imageconfig"
)

func TestChainIDsSingleLayer(t *testing.T) {
	ids := ChainIDs([]string{"sha256:aaaa"})
	if len(ids) != 1 || ids[0] != "sha256:aaaa" {
		t.Fatalf("ChainIDs = %v", ids)
	}
}

func TestChainIDsMultiLayer(t *testing.T) {
	diffIDs := []string{"sha256:aaaa", "sha256:bbbb"}
	ids := ChainIDs(diffIDs)
	if len(ids) != 2 {
		t.Fatalf("want 2 chain ids, got %d", len(ids))
	}
	if ids[0] != diffIDs[0] {
		t.Errorf("chain_id[0] = %q, want %q", ids[0], diffIDs[0])
	}
	want := sha256.Sum256([]byte(ids[0] + " " + diffIDs[1]))
	if ids[1] != "sha256:"+hex.EncodeToString(want[:]) {
		t.Errorf("chain_id[1] = %q, mismatch", ids[1])
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	raw := []byte(`{
		"architecture":"amd64",
		"os":"linux",
		"created":"2024-05-01T00:00:00Z",
		"docker_version":"24.0.0",
		"rootfs":{"type":"layers","diff_ids":["sha256:aaaa","sha256:bbbb"]},
		"config":{"Env":["PATH=/usr/bin"],"Cmd":["/bin/sh"]}
	}`)
	cfg, err := imageconfig.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	r1, err := Compute(cfg)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := Compute(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if len(r1.SyntheticIDs) != 2 || len(r2.SyntheticIDs) != 2 {
		t.Fatalf("expected 2 synthetic ids, got %d and %d", len(r1.SyntheticIDs), len(r2.SyntheticIDs))
	}
	for i := range r1.SyntheticIDs {
		if r1.SyntheticIDs[i] != r2.SyntheticIDs[i] {
			t.Errorf("synthetic id %d not deterministic: %q != %q", i, r1.SyntheticIDs[i], r2.SyntheticIDs[i])
		}
		if string(r1.LayerJSON[i]) != string(r2.LayerJSON[i]) {
			t.Errorf("layer json %d not deterministic", i)
		}
	}

	if r1.SyntheticIDs[0] == r1.SyntheticIDs[1] {
		t.Error("distinct layers must not share a synthetic id")
	}

	var first map[string]any
	if err := json.Unmarshal(r1.LayerJSON[0], &first); err != nil {
		t.Fatal(err)
	}
	if _, present := first["parent"]; present {
		t.Error("first layer's on-disk doc must omit parent")
	}
	if first["id"] != strings.TrimPrefix(r1.SyntheticIDs[0], "sha256:") {
		t.Errorf("first layer id = %v, want hex of %q", first["id"], r1.SyntheticIDs[0])
	}

	var last map[string]any
	if err := json.Unmarshal(r1.LayerJSON[1], &last); err != nil {
		t.Fatal(err)
	}
	if last["parent"] != r1.SyntheticIDs[0] {
		t.Errorf("second layer parent = %v, want %q", last["parent"], r1.SyntheticIDs[0])
	}
	if last["architecture"] != "amd64" {
		t.Errorf("last layer must carry architecture from image config, got %v", last["architecture"])
	}
}

// escapedEAcute is the six-character JSON escape sequence for "é".
const escapedEAcute = "\x5cu00e9"

func TestComputePreservesEnvEscape(t *testing.T) {
	raw := []byte(`{
		"os":"linux",
		"created":"2024-05-01T00:00:00Z",
		"rootfs":{"type":"layers","diff_ids":["sha256:aaaa"]},
		"config":{"Env":["GREETING=caf` + escapedEAcute + `"]}
	}`)
	cfg, err := imageconfig.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	r, err := Compute(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(r.LayerJSON[0]), "caf"+escapedEAcute) {
		t.Errorf("expected literal \\u00e9 escape preserved verbatim in layer json, got %s", r.LayerJSON[0])
	}
}
