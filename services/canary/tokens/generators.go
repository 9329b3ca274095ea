// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tokens

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
)

const (
	awsAccessKeyPrefix = "AKIA"
	awsAccessKeyBody   = 20
	awsAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	awsMockRegion      = "us-east-1"

	apiKeyPrefix   = "CNRY"
	apiKeyHexBytes = 16
)

// AWSIAMKeyGenerator mimics an IAM access key pair. The access key ID is
// the tracked secret.
type AWSIAMKeyGenerator struct{}

func (AWSIAMKeyGenerator) Type() datatypes.CanaryType { return datatypes.CanaryTypeAWSIAMKey }

func (AWSIAMKeyGenerator) Generate() (Token, error) {
	raw, err := randomBytes(awsAccessKeyBody)
	if err != nil {
		return Token{}, err
	}
	body := make([]byte, awsAccessKeyBody)
	for i, b := range raw {
		body[i] = awsAlphabet[int(b)%len(awsAlphabet)]
	}
	accessKeyID := awsAccessKeyPrefix + string(body)

	secretRaw, err := randomBytes(20)
	if err != nil {
		return Token{}, err
	}
	secretAccessKey := base64.StdEncoding.EncodeToString(secretRaw)

	return Token{
		Secret:  accessKeyID,
		Display: fmt.Sprintf("AWS_ACCESS_KEY_ID=%s\nAWS_SECRET_ACCESS_KEY=%s", accessKeyID, secretAccessKey),
		Metadata: map[string]any{
			"accessKeyId":     accessKeyID,
			"secretAccessKey": secretAccessKey,
			"region":          awsMockRegion,
			"mock":            true,
		},
	}, nil
}

// FakeAPIKeyGenerator produces CNRY_<32 hex> keys.
type FakeAPIKeyGenerator struct{}

func (FakeAPIKeyGenerator) Type() datatypes.CanaryType { return datatypes.CanaryTypeFakeAPIKey }

func (FakeAPIKeyGenerator) Generate() (Token, error) {
	raw, err := randomBytes(apiKeyHexBytes)
	if err != nil {
		return Token{}, err
	}
	secret := apiKeyPrefix + "_" + hex.EncodeToString(raw)
	return Token{
		Secret:  secret,
		Display: "API_KEY=" + secret,
		Metadata: map[string]any{
			"prefix": apiKeyPrefix,
			"length": len(secret),
			"format": "hex",
		},
	}, nil
}
