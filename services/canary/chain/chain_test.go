// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// buildChain links n detections for one canary the same way the engine does.
func buildChain(t *testing.T, n int) []datatypes.Detection {
	t.Helper()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	out := make([]datatypes.Detection, 0, n)
	var prev *string
	for i := 0; i < n; i++ {
		d := datatypes.Detection{
			ID:              fmt.Sprintf("det-%03d", i),
			CanaryID:        "canary-1",
			DetectionTime:   base.Add(time.Duration(i) * time.Second),
			Source:          datatypes.SourceSimulated,
			RawEventJSON:    fmt.Sprintf(`{"seq":%d}`, i),
			ConfidenceScore: 50 + i,
			HashChainPrev:   prev,
		}
		if i%2 == 1 {
			actor := "arn:aws:iam::123456789012:user/mallory"
			d.ActorIdentity = &actor
		}
		d.HashChainCurr = LinkFor(d, prev)
		curr := d.HashChainCurr
		prev = &curr
		out = append(out, d)
	}
	return out
}

func strPtr(s string) *string { return &s }

// =============================================================================
// Codec Tests
// =============================================================================

func TestCanonicalPayload_FixedOrderAndNulls(t *testing.T) {
	got := CanonicalPayload("c1", datatypes.SourceSimulated, `{"a":1}`, 80, nil, nil)
	assert.Equal(t,
		`{"canaryId":"c1","source":"SIM","rawEventJson":"{\"a\":1}","confidenceScore":80,"actorIdentity":null,"prev":null}`,
		string(got))

	empty := ""
	assert.Equal(t, got, CanonicalPayload("c1", datatypes.SourceSimulated, `{"a":1}`, 80, &empty, &empty))
}

func TestCanonicalPayload_DoesNotEscapeHTML(t *testing.T) {
	got := CanonicalPayload("c1", datatypes.SourceManual, `<a&b>`, 1, strPtr("x"), strPtr("p"))
	assert.Contains(t, string(got), `"rawEventJson":"<a&b>"`)
	assert.Contains(t, string(got), `"actorIdentity":"x","prev":"p"}`)
}

func TestComputeLink_Deterministic(t *testing.T) {
	payload := []byte(`{a:1}`)

	first := ComputeLink(nil, payload)
	assert.Equal(t, first, ComputeLink(nil, payload))
	assert.Len(t, first, 64)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), first)

	chained := ComputeLink(&first, payload)
	assert.NotEqual(t, first, chained)

	sum = sha256.Sum256(append([]byte(first), payload...))
	assert.Equal(t, hex.EncodeToString(sum[:]), chained)
}

// =============================================================================
// Verify Tests
// =============================================================================

func TestVerify_Empty(t *testing.T) {
	res := Verify(nil)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Breaks)
	assert.NotNil(t, res.Breaks)
	assert.Nil(t, res.LastHash)
}

func TestVerify_RoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 10} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			dets := buildChain(t, n)
			res := Verify(dets)
			assert.True(t, res.Valid)
			require.NotNil(t, res.LastHash)
			assert.Equal(t, dets[n-1].HashChainCurr, *res.LastHash)
		})
	}
}

func TestVerify_TamperedFieldIsCurrMismatch(t *testing.T) {
	for _, i := range []int{0, 3, 5} {
		t.Run(fmt.Sprintf("index=%d", i), func(t *testing.T) {
			dets := buildChain(t, 6)
			dets[i].RawEventJSON = `{"tampered":true}`

			res := Verify(dets)
			assert.False(t, res.Valid)
			require.Len(t, res.Breaks, 1)
			assert.Equal(t, CurrMismatch, res.Breaks[0].Reason)
			assert.Equal(t, i, res.Breaks[0].Index)
			assert.Equal(t, dets[i].ID, res.Breaks[0].DetectionID)
			if i == 0 {
				assert.Nil(t, res.LastHash)
			} else {
				require.NotNil(t, res.LastHash)
				assert.Equal(t, dets[i-1].HashChainCurr, *res.LastHash)
			}
		})
	}
}

func TestVerify_TamperedScoreAndActor(t *testing.T) {
	dets := buildChain(t, 3)
	dets[1].ConfidenceScore = 99
	assert.Equal(t, CurrMismatch, Verify(dets).Breaks[0].Reason)

	dets = buildChain(t, 3)
	dets[1].ActorIdentity = nil
	assert.Equal(t, 1, Verify(dets).Breaks[0].Index)
}

func TestVerify_PrevMismatchHalts(t *testing.T) {
	dets := buildChain(t, 5)
	dets[2].HashChainPrev = strPtr("deadbeef")
	// Corrupt a later record too; verification must stop before it.
	dets[4].RawEventJSON = "{}"

	res := Verify(dets)
	assert.False(t, res.Valid)
	require.Len(t, res.Breaks, 1)
	b := res.Breaks[0]
	assert.Equal(t, PrevMismatch, b.Reason)
	assert.Equal(t, 2, b.Index)
	require.NotNil(t, b.Expected)
	assert.Equal(t, dets[1].HashChainCurr, *b.Expected)
	assert.Equal(t, "deadbeef", *b.Actual)
	assert.Equal(t, dets[1].HashChainCurr, *res.LastHash)
}

func TestVerify_FirstRecordWithPrevIsBroken(t *testing.T) {
	dets := buildChain(t, 2)
	res := Verify(dets[1:])
	assert.False(t, res.Valid)
	assert.Equal(t, PrevMismatch, res.Breaks[0].Reason)
	assert.Nil(t, res.Breaks[0].Expected)
}

func TestVerify_EmptyPrevIsNotGenesis(t *testing.T) {
	dets := buildChain(t, 2)
	dets[0].HashChainPrev = strPtr("")

	res := Verify(dets)
	require.False(t, res.Valid)
	b := res.Breaks[0]
	assert.Equal(t, 0, b.Index)
	assert.Equal(t, PrevMismatch, b.Reason)
	assert.Nil(t, b.Expected)
	require.NotNil(t, b.Actual)
	assert.Equal(t, "", *b.Actual)
	assert.Nil(t, res.LastHash)
}

// =============================================================================
// Reorder Tests
// =============================================================================

func TestReorder_RestoresOrder(t *testing.T) {
	dets := buildChain(t, 8)
	shuffled := append([]datatypes.Detection(nil), dets...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	got := Reorder(shuffled)
	require.Len(t, got, len(dets))
	for i := range dets {
		assert.Equal(t, dets[i].ID, got[i].ID)
	}
	assert.True(t, Verify(got).Valid)
}

func TestReorder_TwoHeadsReturnsInput(t *testing.T) {
	dets := buildChain(t, 3)
	other := buildChain(t, 1)[0]
	other.ID = "second-head"
	input := []datatypes.Detection{dets[2], other, dets[0], dets[1]}

	got := Reorder(input)
	assert.Equal(t, input, got)
}

func TestReorder_ForkReturnsInput(t *testing.T) {
	dets := buildChain(t, 3)
	fork := dets[2]
	fork.ID = "fork"
	fork.HashChainCurr = "ffff"
	input := []datatypes.Detection{dets[1], fork, dets[0], dets[2]}

	assert.Equal(t, input, Reorder(input))
}

func TestReorder_NoHeadOrCycleReturnsInput(t *testing.T) {
	a := datatypes.Detection{ID: "a", HashChainPrev: strPtr("hb"), HashChainCurr: "ha"}
	b := datatypes.Detection{ID: "b", HashChainPrev: strPtr("ha"), HashChainCurr: "hb"}
	input := []datatypes.Detection{b, a}
	assert.Equal(t, input, Reorder(input))
}

func TestReorder_DisconnectedReturnsInput(t *testing.T) {
	dets := buildChain(t, 4)
	input := []datatypes.Detection{dets[3], dets[0], dets[1]}
	assert.Equal(t, input, Reorder(input))
}

func TestReorder_DuplicateCurrReturnsInput(t *testing.T) {
	dets := buildChain(t, 3)
	dup := datatypes.Detection{
		ID:            "dup",
		HashChainPrev: strPtr(dets[2].HashChainCurr),
		HashChainCurr: dets[0].HashChainCurr,
	}
	input := []datatypes.Detection{dets[2], dup, dets[0], dets[1]}
	assert.Equal(t, input, Reorder(input))
}

func TestReorder_EmptyPrevIsNotHead(t *testing.T) {
	dets := buildChain(t, 3)
	dets[0].HashChainPrev = strPtr("")
	input := []datatypes.Detection{dets[1], dets[0], dets[2]}
	assert.Equal(t, input, Reorder(input))
}
