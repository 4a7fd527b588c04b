package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client, now: time.Now}
}

// HandleGetAccountRisk summarizes one account's risk profile.
func (h *Handlers) HandleGetAccountRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	if accountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.GetAccount(ctx, accountID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account: %v", err)), nil
	}

	text, err := formatAccount(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetRiskHistory lists recent assessments of an account.
func (h *Handlers) HandleGetRiskHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	if accountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.GetHistory(ctx, accountID, req.GetInt("limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListZoneAccounts lists the top accounts of a zone.
func (h *Handlers) HandleListZoneAccounts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	zone := req.GetString("zone", "")
	if zone == "" {
		return mcp.NewToolResultError("zone is required"), nil
	}

	raw, err := h.client.ListZone(ctx, zone, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list zone: %v", err)), nil
	}

	text, err := formatZone(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse zone listing: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetRiskStats returns the zone distribution.
func (h *Handlers) HandleGetRiskStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleFindFraudNeighbors lists the nearest confirmed fraud accounts.
func (h *Handlers) HandleFindFraudNeighbors(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	if accountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.FraudNeighbors(ctx, accountID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to find fraud neighbors: %v", err)), nil
	}

	text, err := formatNeighbors(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse fraud neighbors: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSimulateRisk runs a simulation, passing only the parameters the
// caller set.
func (h *Handlers) HandleSimulateRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	body := make(map[string]any)
	for arg, field := range map[string]string{
		"steps":              "steps",
		"decay_rate":         "decayRate",
		"signal_probability": "signalProbability",
		"seed":               "seed",
	} {
		if v, ok := args[arg]; ok && v != nil {
			body[field] = v
		}
	}
	if raw, ok := args["account_ids"].([]any); ok {
		ids := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				ids = append(ids, s)
			}
		}
		if len(ids) > 0 {
			body["accountIds"] = ids
		}
	}

	raw, err := h.client.Simulate(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Simulation failed: %v", err)), nil
	}

	text, err := formatSimulation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse simulation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSubmitTransaction records a transfer and reports the rescore.
func (h *Handlers) HandleSubmitTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sender := req.GetString("sender_id", "")
	if sender == "" {
		return mcp.NewToolResultError("sender_id is required"), nil
	}
	receiver := req.GetString("receiver_id", "")
	if receiver == "" {
		return mcp.NewToolResultError("receiver_id is required"), nil
	}
	amount := req.GetFloat("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be positive"), nil
	}
	hour := req.GetInt("hour", h.now().Hour())
	if hour < 0 || hour > 23 {
		return mcp.NewToolResultError("hour must be between 0 and 23"), nil
	}

	raw, err := h.client.SubmitTransaction(ctx, sender, receiver, amount, hour)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Transaction failed: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type riskState struct {
	HopDistance        *int    `json:"hopDistance"`
	DriftScore         float64 `json:"driftScore"`
	ContaminationScore float64 `json:"contaminationScore"`
	Zone               string  `json:"zone"`
}

func formatAccount(raw json.RawMessage) (string, error) {
	var resp struct {
		Account *struct {
			ID      string    `json:"accountId"`
			Name    string    `json:"name"`
			IsFraud bool      `json:"isFraud"`
			Risk    riskState `json:"risk"`
		} `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	a := resp.Account
	if a == nil {
		return "", fmt.Errorf("no account in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s", a.ID)
	if a.Name != "" {
		fmt.Fprintf(&sb, " (%s)", a.Name)
	}
	sb.WriteString("\n")
	if a.IsFraud {
		sb.WriteString("  Status: CONFIRMED FRAUD\n")
	}
	fmt.Fprintf(&sb, "  Zone: %s\n", zoneOrUnscored(a.Risk.Zone))
	fmt.Fprintf(&sb, "  Risk score: %.4f\n", a.Risk.ContaminationScore)
	fmt.Fprintf(&sb, "  Drift score: %.4f\n", a.Risk.DriftScore)
	fmt.Fprintf(&sb, "  Hops to fraud: %s\n", hops(a.Risk.HopDistance))
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		AccountID   string `json:"accountId"`
		Assessments []struct {
			riskState
			Source      string    `json:"source"`
			EvaluatedAt time.Time `json:"evaluatedAt"`
		} `json:"assessments"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Assessments) == 0 {
		return fmt.Sprintf("No assessments recorded for %s.", resp.AccountID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d assessment(s) for %s, newest first:\n\n", len(resp.Assessments), resp.AccountID)
	for i, a := range resp.Assessments {
		fmt.Fprintf(&sb, "%d. %s  %s  score %.4f  drift %.4f  hops %s  (%s)\n",
			i+1, a.EvaluatedAt.UTC().Format(time.RFC3339), a.Zone,
			a.ContaminationScore, a.DriftScore, hops(a.HopDistance), a.Source)
	}
	return sb.String(), nil
}

func formatZone(raw json.RawMessage) (string, error) {
	var resp struct {
		Zone     string `json:"zone"`
		Accounts []struct {
			riskState
			ID   string `json:"accountId"`
			Name string `json:"name"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Accounts) == 0 {
		return fmt.Sprintf("No accounts in the %s zone.", resp.Zone), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d account(s) in the %s zone:\n\n", len(resp.Accounts), resp.Zone)
	for i, a := range resp.Accounts {
		fmt.Fprintf(&sb, "%d. %s", i+1, a.ID)
		if a.Name != "" {
			fmt.Fprintf(&sb, " (%s)", a.Name)
		}
		fmt.Fprintf(&sb, "\n   Score: %.4f | Drift: %.4f | Hops: %s\n",
			a.ContaminationScore, a.DriftScore, hops(a.HopDistance))
	}
	return sb.String(), nil
}

func formatStats(raw json.RawMessage) (string, error) {
	var resp struct {
		TotalAccounts    int            `json:"totalAccounts"`
		ConfirmedFraud   int            `json:"confirmedFraud"`
		ZoneDistribution map[string]int `json:"zoneDistribution"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Network risk:\n")
	fmt.Fprintf(&sb, "  Accounts: %d\n", resp.TotalAccounts)
	fmt.Fprintf(&sb, "  Confirmed fraud: %d\n", resp.ConfirmedFraud)
	for _, z := range []string{"Critical", "Exposed", "Clean"} {
		fmt.Fprintf(&sb, "  %s: %d\n", z, resp.ZoneDistribution[z])
	}
	return sb.String(), nil
}

func formatNeighbors(raw json.RawMessage) (string, error) {
	var resp struct {
		AccountID string `json:"accountId"`
		Neighbors []struct {
			ID   string `json:"fraudAccount"`
			Hops int    `json:"hops"`
		} `json:"fraudNeighbors"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Neighbors) == 0 {
		return fmt.Sprintf("No confirmed fraud accounts within reach of %s.", resp.AccountID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Fraud accounts near %s:\n\n", resp.AccountID)
	for i, n := range resp.Neighbors {
		fmt.Fprintf(&sb, "%d. %s (%d hop(s))\n", i+1, n.ID, n.Hops)
	}
	return sb.String(), nil
}

func formatSimulation(raw json.RawMessage) (string, error) {
	var resp struct {
		Params struct {
			Steps     int     `json:"steps"`
			DecayRate float64 `json:"decayRate"`
			Seed      uint64  `json:"seed"`
		} `json:"params"`
		Averages []struct {
			Step      int     `json:"step"`
			RiskScore float64 `json:"riskScore"`
		} `json:"avgByStep"`
		SampleAccounts []string `json:"sampleAccounts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Simulation: %d step(s), decay %.2f, seed %d\n\n",
		resp.Params.Steps, resp.Params.DecayRate, resp.Params.Seed)
	sb.WriteString("Average risk by step:\n")
	for _, a := range resp.Averages {
		fmt.Fprintf(&sb, "  step %2d: %.4f\n", a.Step, a.RiskScore)
	}
	if len(resp.SampleAccounts) > 0 {
		fmt.Fprintf(&sb, "\nSample accounts: %s\n", strings.Join(resp.SampleAccounts, ", "))
	}
	return sb.String(), nil
}

func formatTransaction(raw json.RawMessage) (string, error) {
	var resp struct {
		TransactionID string  `json:"transactionId"`
		SenderID      string  `json:"senderId"`
		RecentCount   int     `json:"recentCount"`
		DriftScore    float64 `json:"driftScore"`
		RiskScore     float64 `json:"riskScore"`
		Zone          string  `json:"zone"`
		PreviousZone  string  `json:"previousZone"`
		HopDistance   *int    `json:"hopDistance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s recorded.\n\n", resp.TransactionID)
	fmt.Fprintf(&sb, "Sender %s rescored:\n", resp.SenderID)
	fmt.Fprintf(&sb, "  Zone: %s", resp.Zone)
	if resp.PreviousZone != "" && resp.PreviousZone != resp.Zone {
		fmt.Fprintf(&sb, " (was %s)", resp.PreviousZone)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Risk score: %.4f\n", resp.RiskScore)
	fmt.Fprintf(&sb, "  Drift score: %.4f\n", resp.DriftScore)
	fmt.Fprintf(&sb, "  Hops to fraud: %s\n", hops(resp.HopDistance))
	fmt.Fprintf(&sb, "  Transfers today: %d\n", resp.RecentCount)
	return sb.String(), nil
}

func hops(h *int) string {
	if h == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *h)
}

func zoneOrUnscored(z string) string {
	if z == "" {
		return "unscored"
	}
	return z
}
