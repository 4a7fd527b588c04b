package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the contagion MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetAccountRisk = mcp.NewTool("get_account_risk",
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithDescription(
		"Get the fraud risk profile of an account: its risk zone (Critical, Exposed or Clean), "+
			"contamination score, behavioral drift score and hop distance to the nearest confirmed fraud account."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The account ID (e.g. 'ACC00042')")),
)

var ToolGetRiskHistory = mcp.NewTool("get_risk_history",
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithDescription(
		"Show how an account's risk evolved. Returns recent assessments newest first, "+
			"with the structural and behavioral factors behind each score."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The account ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of assessments to return (default 10)")),
)

var ToolListZoneAccounts = mcp.NewTool("list_zone_accounts",
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithDescription(
		"List the highest-risk accounts in a zone, sorted by contamination score. "+
			"Use Critical to find accounts that need review first."),
	mcp.WithString("zone",
		mcp.Required(),
		mcp.Description("Risk zone"),
		mcp.Enum("Critical", "Exposed", "Clean")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of accounts to return (default 20, max 100)")),
)

var ToolGetRiskStats = mcp.NewTool("get_risk_stats",
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithDescription(
		"Get network-wide statistics: total accounts, confirmed fraud count and how many accounts sit in each risk zone."),
)

var ToolFindFraudNeighbors = mcp.NewTool("find_fraud_neighbors",
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithDescription(
		"Find the confirmed fraud accounts closest to an account in the transaction graph, "+
			"with the number of transfer hops separating them. Explains why an account is contaminated."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The account ID")),
)

var ToolSimulateRisk = mcp.NewTool("simulate_risk",
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithDescription(
		"Run a Monte Carlo simulation of how risk scores evolve over time as structural contamination decays "+
			"and random anomalous transactions occur. Returns the average score per step and sample trajectories."),
	mcp.WithNumber("steps",
		mcp.Description("Number of time steps (default 10)")),
	mcp.WithNumber("decay_rate",
		mcp.Description("Per-step decay of structural risk, 0 to 1 (default 0.5)")),
	mcp.WithNumber("signal_probability",
		mcp.Description("Chance of an anomalous transaction per account per step, 0 to 1")),
	mcp.WithNumber("seed",
		mcp.Description("Random seed for reproducible runs")),
	mcp.WithArray("account_ids",
		mcp.Description("Simulate these accounts, starting from their stored drift scores"),
		mcp.WithStringItems()),
)

var ToolSubmitTransaction = mcp.NewTool("submit_transaction",
	mcp.WithReadOnlyHintAnnotation(false),
	mcp.WithIdempotentHintAnnotation(false),
	mcp.WithDescription(
		"Submit a transaction between two existing accounts and rescore the sender in real time. "+
			"Returns the sender's new zone, score and drift."),
	mcp.WithString("sender_id",
		mcp.Required(),
		mcp.Description("Sending account ID")),
	mcp.WithString("receiver_id",
		mcp.Required(),
		mcp.Description("Receiving account ID")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Transfer amount")),
	mcp.WithNumber("hour",
		mcp.Description("Hour of day the transfer happened, 0 to 23 (default: current hour)")),
)
