// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import "github.com/AleutianAI/AleutianCanary/services/canary/datatypes"

// Reorder rebuilds chronological order from hash linkage alone.
//
// # Description
//
// Treats the detections as a singly linked list keyed by hash: the unique
// record with a nil prev is the head, and each record's successor is the
// unique record whose prev equals its curr.
//
// # Outputs
//
//   - The reconstructed order, or the input unchanged when the linkage is
//     ambiguous: zero or several heads, a fork, a cycle, or a walk that
//     does not cover every record.
//
// # Limitations
//
//   - Records with duplicate curr hashes are treated as a fork.
//   - An empty-string prev is a link to "", not a head.
func Reorder(detections []datatypes.Detection) []datatypes.Detection {
	if len(detections) < 2 {
		return detections
	}

	head := -1
	successors := make(map[string]int, len(detections))
	currs := make(map[string]struct{}, len(detections))
	for i, d := range detections {
		if _, dup := currs[d.HashChainCurr]; dup {
			return detections
		}
		currs[d.HashChainCurr] = struct{}{}

		prev := d.HashChainPrev
		if prev == nil {
			if head != -1 {
				return detections
			}
			head = i
			continue
		}
		if _, dup := successors[*prev]; dup {
			return detections
		}
		successors[*prev] = i
	}
	if head == -1 {
		return detections
	}

	ordered := make([]datatypes.Detection, 0, len(detections))
	visited := make(map[int]bool, len(detections))
	for cur := head; ; {
		if visited[cur] {
			return detections
		}
		visited[cur] = true
		ordered = append(ordered, detections[cur])

		next, ok := successors[detections[cur].HashChainCurr]
		if !ok {
			break
		}
		cur = next
	}

	if len(ordered) != len(detections) {
		return detections
	}
	return ordered
}
