package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Payclaw MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolBuyVirtualCard = mcp.NewTool("buy_virtual_card",
	mcp.WithDescription(
		"Start buying a single-use virtual card funded by a USDC deposit. "+
			"Opens a payment session and returns deposit instructions: the escrow contract, "+
			"the exact USDC amount to send, and the session expiry. "+
			"After the deposit lands on-chain, call confirm_deposit with the transaction hash."),
	mcp.WithNumber("amount_usd",
		mcp.Required(),
		mcp.Description("Purchase amount in USD (e.g. 10.00). The required deposit includes a small buffer; unused funds are refunded after settlement.")),
	mcp.WithString("payer_address",
		mcp.Description("Your wallet address (e.g. '0x1234...'). Refunds of unused funds go back to this address.")),
	mcp.WithString("merchant_name",
		mcp.Description("Optional merchant name to record on the card")),
)

var ToolConfirmDeposit = mcp.NewTool("confirm_deposit",
	mcp.WithDescription(
		"Confirm an on-chain USDC deposit and receive the virtual card. "+
			"Verifies the deposit transaction against the session, then issues a spend-capped "+
			"single-use card. The full card number and CVV appear ONLY in this response; "+
			"they are never stored or returned again."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID from buy_virtual_card")),
	mcp.WithString("tx_ref",
		mcp.Required(),
		mcp.Description("The deposit transaction hash (e.g. '0xabc...')")),
)

var ToolGetCard = mcp.NewTool("get_card",
	mcp.WithDescription(
		"Get the status of an issued virtual card: spend limit, authorization and "+
			"clearing activity, settlement state, and any refund. "+
			"Never returns the card number or CVV."),
	mcp.WithString("card_id",
		mcp.Required(),
		mcp.Description("The card ID from confirm_deposit (e.g. 'vc_...')")),
)

var ToolListCards = mcp.NewTool("list_cards",
	mcp.WithDescription(
		"List issued virtual cards with their status and amounts. "+
			"Optionally filter by payment session."),
	mcp.WithString("session_id",
		mcp.Description("Filter by payment session ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of cards to return (default 20)")),
)

var ToolSimulatePurchase = mcp.NewTool("simulate_purchase",
	mcp.WithDescription(
		"Simulate a merchant charging a virtual card in test mode: places an "+
			"authorization and immediately clears it for the same amount. "+
			"Use this to exercise the card lifecycle without a real merchant. "+
			"Clearing triggers settlement and the refund of any unused funds."),
	mcp.WithString("card_id",
		mcp.Required(),
		mcp.Description("The card ID to charge")),
	mcp.WithNumber("amount_cents",
		mcp.Required(),
		mcp.Description("Charge amount in cents (e.g. 999 for $9.99). Must not exceed the card's spend limit.")),
	mcp.WithString("descriptor",
		mcp.Description("Merchant descriptor shown on the charge (e.g. 'ACME SOFTWARE')")),
	mcp.WithString("mcc",
		mcp.Description("Merchant category code (e.g. '5734')")),
)

var ToolGetPlatformInfo = mcp.NewTool("get_platform_info",
	mcp.WithDescription(
		"Get Payclaw platform configuration: chain ID, escrow and USDC token "+
			"contract addresses, and whether automatic refunds are enabled."),
)
