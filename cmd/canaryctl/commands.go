// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianCanary/services/canary/chain"
	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/deadletter"
	"github.com/AleutianAI/AleutianCanary/services/canary/handlers"
	"github.com/spf13/cobra"
)

// typeAliases accepts the short names used in older scripts.
var typeAliases = map[string]datatypes.CanaryType{
	"aws-iam":  datatypes.CanaryTypeAWSIAMKey,
	"fake-api": datatypes.CanaryTypeFakeAPIKey,
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "canaryctl",
		Short:         "Manage canary secrets through canaryd",
		Long:          `canaryctl creates, rotates and inspects canaries, simulates detections, and administers the alert dead-letter queue of a running canaryd.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.apiFlag, "api", "", "canaryd base URL (default from CANARY_API)")

	root.AddCommand(
		newCreateCmd(a),
		newListCmd(a),
		newRotateCmd(a),
		newSimulateCmd(a),
		newVerifyChainCmd(a),
		newTokenTypesCmd(a),
		newReplayFailuresCmd(a),
		newPurgeFailuresCmd(a),
	)
	return root
}

func (a *app) printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.stdout, string(raw))
	return err
}

// =============================================================================
// Canary Commands
// =============================================================================

func newCreateCmd(a *app) *cobra.Command {
	var typ string
	var placements []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a canary and print its mock secret once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := datatypes.CreateCanaryRequest{Type: normalizeType(typ)}
			for _, p := range placements {
				req.Placements = append(req.Placements, parsePlacement(p))
			}
			var resp handlers.CreateCanaryResponse
			if err := a.client.do(cmd.Context(), http.MethodPost, "/v1/canaries", req, &resp); err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"id":         resp.Canary.ID,
				"type":       resp.Canary.Type,
				"mockSecret": resp.MockSecret,
				"display":    resp.Display,
				"placements": resp.Placements,
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "canary type, e.g. AWS_IAM_KEY or FAKE_API_KEY")
	cmd.Flags().StringArrayVar(&placements, "placement", nil, "placement as TYPE:REF, or REF for a REPO_FILE (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func normalizeType(s string) datatypes.CanaryType {
	if t, ok := typeAliases[strings.ToLower(s)]; ok {
		return t
	}
	return datatypes.CanaryType(strings.ToUpper(s))
}

// parsePlacement splits "CI_VAR:DEPLOY_KEY". Without a known type prefix
// the whole value is a REPO_FILE reference.
func parsePlacement(s string) datatypes.PlacementInput {
	if typ, ref, ok := strings.Cut(s, ":"); ok {
		switch lt := datatypes.LocationType(strings.ToUpper(typ)); lt {
		case datatypes.LocationRepoFile, datatypes.LocationCIVar, datatypes.LocationS3Object, datatypes.LocationEnvFile:
			return datatypes.PlacementInput{LocationType: lt, LocationRef: ref}
		}
	}
	return datatypes.PlacementInput{LocationType: datatypes.LocationRepoFile, LocationRef: s}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List canaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Canaries []datatypes.PublicCanary `json:"canaries"`
			}
			if err := a.client.do(cmd.Context(), http.MethodGet, "/v1/canaries", nil, &resp); err != nil {
				return err
			}
			return a.printJSON(resp.Canaries)
		},
	}
}

func newRotateCmd(a *app) *cobra.Command {
	var canaryID, rotatedBy string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate a canary secret and print the new mock secret once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if rotatedBy != "" {
				body = handlers.RotateRequest{RotatedBy: rotatedBy}
			}
			var resp handlers.RotateResponse
			path := "/v1/canaries/" + url.PathEscape(canaryID) + "/rotate"
			if err := a.client.do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"id":         resp.Canary.ID,
				"mockSecret": resp.MockSecret,
				"rotation":   resp.Rotation,
			})
		},
	}
	cmd.Flags().StringVar(&canaryID, "canary-id", "", "canary to rotate")
	cmd.Flags().StringVar(&rotatedBy, "rotated-by", "", "actor recorded on the rotation (default api)")
	_ = cmd.MarkFlagRequired("canary-id")
	return cmd
}

func newSimulateCmd(a *app) *cobra.Command {
	var canaryID, source string
	var score int
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Submit a simulated detection event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := datatypes.SimulateDetectionRequest{
				CanaryID: canaryID,
				Source:   datatypes.DetectionSource(strings.ToUpper(source)),
			}
			if cmd.Flags().Changed("score") {
				req.ConfidenceScore = &score
			}
			if err := a.client.do(cmd.Context(), http.MethodPost, "/v1/simulate/detection", req, nil); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "Detection accepted")
			return nil
		},
	}
	cmd.Flags().StringVar(&canaryID, "canary-id", "", "canary that was touched")
	cmd.Flags().IntVar(&score, "score", 80, "confidence score 0-100")
	cmd.Flags().StringVar(&source, "source", string(datatypes.SourceSimulated), "SIM, CLOUDTRAIL or MANUAL")
	_ = cmd.MarkFlagRequired("canary-id")
	return cmd
}

func newVerifyChainCmd(a *app) *cobra.Command {
	var canaryID string
	var byLinkage bool
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Verify the detection hash chain of a canary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/canaries/" + url.PathEscape(canaryID) + "/detections/verify"
			if byLinkage {
				path += "?order=linkage"
			}
			var res chain.VerificationResult
			if err := a.client.do(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
				return err
			}
			if !res.Valid {
				breaks, _ := json.MarshalIndent(res.Breaks, "", "  ")
				fmt.Fprintln(a.stderr, "Chain INVALID:", string(breaks))
				return withCode(2, nil)
			}
			last := "none"
			if res.LastHash != nil {
				last = *res.LastHash
			}
			fmt.Fprintln(a.stdout, "Chain valid. Last hash:", last)
			return nil
		},
	}
	cmd.Flags().StringVar(&canaryID, "canary-id", "", "canary to verify")
	cmd.Flags().BoolVar(&byLinkage, "by-linkage", false, "order detections by hash links instead of time")
	_ = cmd.MarkFlagRequired("canary-id")
	return cmd
}

func newTokenTypesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token-types",
		Short: "List the canary types the server can issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Types []string `json:"types"`
			}
			if err := a.client.do(cmd.Context(), http.MethodGet, "/v1/token-types", nil, &resp); err != nil {
				return err
			}
			for _, t := range resp.Types {
				fmt.Fprintln(a.stdout, t)
			}
			return nil
		},
	}
}

// =============================================================================
// Dead-Letter Commands
// =============================================================================

type failureSummary struct {
	ID            string  `json:"id"`
	DetectionID   string  `json:"detectionId"`
	CanaryID      string  `json:"canaryId"`
	Adapter       string  `json:"adapter"`
	Reason        string  `json:"reason"`
	Attempts      int     `json:"attempts"`
	CreatedAt     string  `json:"createdAt"`
	ReplayedAt    *string `json:"replayedAt"`
	ReplaySuccess *bool   `json:"replaySuccess"`
}

func newReplayFailuresCmd(a *app) *cobra.Command {
	var limit int
	var replay bool
	cmd := &cobra.Command{
		Use:   "replay-failures",
		Short: "List dead-lettered alert failures and optionally replay them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				limit = 50
			}
			var listed struct {
				Failures []failureSummary `json:"failures"`
			}
			path := "/v1/alert-failures?limit=" + strconv.Itoa(limit)
			if err := a.client.do(cmd.Context(), http.MethodGet, path, nil, &listed); err != nil {
				return err
			}
			if len(listed.Failures) == 0 {
				fmt.Fprintln(a.stdout, "No alert failures found")
				return nil
			}
			ids := make([]string, 0, len(listed.Failures))
			for _, f := range listed.Failures {
				if err := a.printJSON(f); err != nil {
					return err
				}
				ids = append(ids, f.ID)
			}
			if !replay {
				return nil
			}

			var out struct {
				Results []deadletter.ReplayResult `json:"results"`
			}
			err := a.client.do(cmd.Context(), http.MethodPost, "/v1/alert-failures/replay",
				datatypes.ReplayRequest{IDs: ids}, &out)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Code == handlers.CodeAlertingDisabled {
				fmt.Fprintln(a.stderr, "Alerting disabled (ALERT_THRESHOLD not set), cannot replay")
				return withCode(1, nil)
			}
			if err != nil {
				return err
			}

			anyFailure := false
			for _, r := range out.Results {
				if r.Success {
					fmt.Fprintf(a.stdout, "Replayed %s OK\n", r.ID)
					continue
				}
				anyFailure = true
				fmt.Fprintf(a.stderr, "Replay failed %s: %s\n", r.ID, r.Error)
			}
			if anyFailure {
				return withCode(2, nil)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "number of recent failures to list")
	cmd.Flags().BoolVarP(&replay, "replay", "r", false, "replay the listed failures")
	return cmd
}

func newPurgeFailuresCmd(a *app) *cobra.Command {
	var req datatypes.PurgeRequest
	var quiet, force bool
	cmd := &cobra.Command{
		Use:   "purge-failures",
		Short: "Purge dead-lettered alert failures by age and replay state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.OlderThanDays <= 0 {
				fmt.Fprintln(a.stderr, "--older-than must be a positive integer")
				return withCode(2, nil)
			}
			if req.SuccessfulOnly {
				req.ReplayedOnly = true
			}

			if !req.DryRun && !force {
				count := a.prospectivePurge(cmd, req)
				if count >= a.threshold {
					if !quiet {
						fmt.Fprintf(a.stdout, "About to delete %d alert failure records. Type YES to confirm: ", count)
					}
					if readAnswer(a) != "YES" {
						if !quiet {
							fmt.Fprintln(a.stderr, "Aborted (confirmation mismatch).")
						}
						return withCode(3, nil)
					}
				}
			}

			var res deadletter.PurgeResult
			if err := a.client.do(cmd.Context(), http.MethodPost, "/v1/alert-failures/purge", req, &res); err != nil {
				return err
			}
			if quiet {
				return nil
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().IntVar(&req.OlderThanDays, "older-than", 30, "delete records older than N days")
	cmd.Flags().BoolVar(&req.ReplayedOnly, "replayed-only", false, "only purge records that have been replayed")
	cmd.Flags().BoolVar(&req.SuccessfulOnly, "successful-only", false, "only purge successfully replayed records (implies --replayed-only)")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "report the count without deleting")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

// prospectivePurge counts what req would delete. Errors count as zero so
// the real request reports them.
func (a *app) prospectivePurge(cmd *cobra.Command, req datatypes.PurgeRequest) int {
	req.DryRun = true
	var res deadletter.PurgeResult
	if err := a.client.do(cmd.Context(), http.MethodPost, "/v1/alert-failures/purge", req, &res); err != nil {
		return 0
	}
	if res.WouldDelete == nil {
		return 0
	}
	return *res.WouldDelete
}

func readAnswer(a *app) string {
	line, _ := bufio.NewReader(a.stdin).ReadString('\n')
	return strings.TrimSpace(line)
}
