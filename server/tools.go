package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/evermind-ai/evermind/memory"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("memory_log_interaction",
		mcp.WithDescription("Record one interaction event into the user's long-term memory. May trigger background consolidation."),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("Stable identifier of the user this memory belongs to.")),
		mcp.WithString("text", mcp.Required(), mcp.Description("The interaction text to remember.")),
	), s.handleLogInteraction)

	s.mcp.AddTool(mcp.NewTool("memory_retrieve",
		mcp.WithDescription("Retrieve the memory context for a user: profile summary, relevant insights, and recent events."),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("Stable identifier of the user.")),
		mcp.WithString("query", mcp.Description("Text of the current turn, used for similarity retrieval. Optional.")),
	), s.handleRetrieve)

	s.mcp.AddTool(mcp.NewTool("memory_get_state",
		mcp.WithDescription("Read the user's volatile state: mood, affinity, and memory counters."),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("Stable identifier of the user.")),
	), s.handleGetState)

	s.mcp.AddTool(mcp.NewTool("memory_update_state",
		mcp.WithDescription("Update the user's volatile state. Mood overwrites; affinity_delta is applied as a signed delta and clamped to [0,100]."),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("Stable identifier of the user.")),
		mcp.WithString("mood", mcp.Description("New mood label. Omit to leave unchanged.")),
		mcp.WithNumber("affinity_delta", mcp.Description("Signed change to affinity. Omit to leave unchanged.")),
	), s.handleUpdateState)

	s.mcp.AddTool(mcp.NewTool("memory_get_profile",
		mcp.WithDescription("Read the user's consolidated behavioral profile."),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("Stable identifier of the user.")),
	), s.handleGetProfile)

	s.mcp.AddTool(mcp.NewTool("memory_status",
		mcp.WithDescription("Human-readable status report for a user: state, counters, profile summary, recent events."),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("Stable identifier of the user.")),
	), s.handleStatus)

	s.logger.Info().Int("tools", 6).Msg("Registered memory tools")
}

func (s *Server) handleLogInteraction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.manager.LogInteraction(ctx, ownerID, text); err != nil {
		s.logger.Error().Err(err).Str("ownerID", ownerID).Msg("Failed to log interaction")
		return mcp.NewToolResultError(fmt.Sprintf("failed to log interaction: %v", err)), nil
	}
	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) handleRetrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	query := req.GetString("query", "")

	rc := s.manager.Retrieve(ctx, ownerID, query)
	return jsonResult(rc)
}

func (s *Server) handleGetState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	state, err := s.manager.GetState(ctx, ownerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get state: %v", err)), nil
	}
	return jsonResult(state)
}

func (s *Server) handleUpdateState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var upd memory.StateUpdate
	args := req.GetArguments()
	if v, ok := args["mood"].(string); ok && v != "" {
		upd.Mood = &v
	}
	if v, ok := args["affinity_delta"].(float64); ok {
		delta := int(v)
		upd.AffinityDelta = &delta
	}

	state, err := s.manager.UpdateState(ctx, ownerID, upd)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update state: %v", err)), nil
	}
	return jsonResult(state)
}

func (s *Server) handleGetProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	profile, err := s.manager.GetProfile(ctx, ownerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get profile: %v", err)), nil
	}
	return jsonResult(profile)
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := s.manager.StatusReport(ctx, ownerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build status report: %v", err)), nil
	}
	return mcp.NewToolResultText(report), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
