// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"fmt"
	"time"
)

// Key layout
//
//	canary/<id>                                  Canary
//	placement/<canaryID>/<insertedAt>/<id>       Placement
//	rotation/<canaryID>/<rotatedAt>/<id>         Rotation
//	detection/<canaryID>/<detectionTime>/<id>    Detection
//	dethead/<canaryID>                           key of the latest detection
//	detid/<id>                                   key of a detection
//	detcorr/<correlationID>                      key of a detection
//	alertfailure/<id>                            AlertFailureRecord
//
// Timestamps are zero-padded UnixNano so lexical key order is
// chronological, which makes a detection prefix scan yield
// (DetectionTime, ID) ascending.
const (
	prefixCanary       = "canary/"
	prefixPlacement    = "placement/"
	prefixRotation     = "rotation/"
	prefixDetection    = "detection/"
	prefixDetHead      = "dethead/"
	prefixDetID        = "detid/"
	prefixDetCorr      = "detcorr/"
	prefixAlertFailure = "alertfailure/"
)

func tsPart(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func canaryKey(id string) []byte { return []byte(prefixCanary + id) }

func placementPrefix(canaryID string) []byte { return []byte(prefixPlacement + canaryID + "/") }

func placementKey(canaryID string, at time.Time, id string) []byte {
	return []byte(prefixPlacement + canaryID + "/" + tsPart(at) + "/" + id)
}

func rotationPrefix(canaryID string) []byte { return []byte(prefixRotation + canaryID + "/") }

func rotationKey(canaryID string, at time.Time, id string) []byte {
	return []byte(prefixRotation + canaryID + "/" + tsPart(at) + "/" + id)
}

func detectionPrefix(canaryID string) []byte { return []byte(prefixDetection + canaryID + "/") }

func detectionKey(canaryID string, at time.Time, id string) []byte {
	return []byte(prefixDetection + canaryID + "/" + tsPart(at) + "/" + id)
}

func detHeadKey(canaryID string) []byte { return []byte(prefixDetHead + canaryID) }

func detIDKey(id string) []byte { return []byte(prefixDetID + id) }

func detCorrKey(correlationID string) []byte { return []byte(prefixDetCorr + correlationID) }

func alertFailureKey(id string) []byte { return []byte(prefixAlertFailure + id) }
