package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PayclawClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PayclawClient) *Handlers {
	return &Handlers{client: client}
}

// HandleBuyVirtualCard opens a payment session and returns deposit instructions.
func (h *Handlers) HandleBuyVirtualCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amountUSD := req.GetFloat("amount_usd", 0)
	if amountUSD <= 0 {
		return mcp.NewToolResultError("amount_usd must be a positive number"), nil
	}
	payerAddress := req.GetString("payer_address", "")
	merchantName := req.GetString("merchant_name", "")

	raw, err := h.client.InitiatePayment(ctx, amountUSD, payerAddress, merchantName)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to initiate payment: %v", err)), nil
	}

	text, err := formatDepositInstructions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleConfirmDeposit verifies the deposit and returns the issued card.
func (h *Handlers) HandleConfirmDeposit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	txRef := req.GetString("tx_ref", "")
	if txRef == "" {
		return mcp.NewToolResultError("tx_ref is required"), nil
	}

	raw, err := h.client.ConfirmPayment(ctx, sessionID, txRef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Deposit confirmation failed: %v", err)), nil
	}

	text, err := formatIssuedCard(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse card: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetCard returns the ledger projection for a card.
func (h *Handlers) HandleGetCard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cardID := req.GetString("card_id", "")
	if cardID == "" {
		return mcp.NewToolResultError("card_id is required"), nil
	}

	raw, err := h.client.GetCard(ctx, cardID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get card: %v", err)), nil
	}

	text, err := formatCardStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse card: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListCards lists issued cards.
func (h *Handlers) HandleListCards(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListCards(ctx, sessionID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list cards: %v", err)), nil
	}

	text, err := formatCardList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse cards: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSimulatePurchase authorizes and clears a test charge in one step.
func (h *Handlers) HandleSimulatePurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cardID := req.GetString("card_id", "")
	if cardID == "" {
		return mcp.NewToolResultError("card_id is required"), nil
	}
	amountCents := int64(req.GetFloat("amount_cents", 0))
	if amountCents <= 0 {
		return mcp.NewToolResultError("amount_cents must be a positive integer"), nil
	}
	descriptor := req.GetString("descriptor", "")
	mcc := req.GetString("mcc", "")

	authRaw, err := h.client.SimulateAuthorize(ctx, cardID, amountCents, descriptor, mcc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Authorization failed: %v", err)), nil
	}

	var auth map[string]any
	authID := ""
	if json.Unmarshal(authRaw, &auth) == nil {
		authID = getString(auth, "authorization_id", "authorizationId")
	}

	if _, err := h.client.SimulateClear(ctx, cardID, amountCents); err != nil {
		// Authorization went through, clearing did not. The hold stays on
		// the card until the issuer webhook settles or voids it.
		return mcp.NewToolResultText(fmt.Sprintf(
			"Authorization placed but clearing failed.\n\n"+
				"Card: %s\n"+
				"Authorization ID: %s\n"+
				"Amount held: $%.2f\n"+
				"Error: %v\n\n"+
				"Retry simulate_purchase or check the card with get_card.",
			cardID, authID, float64(amountCents)/100, err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Purchase simulated on card %s\n", cardID)
	fmt.Fprintf(&sb, "Charged: $%.2f\n", float64(amountCents)/100)
	if authID != "" {
		fmt.Fprintf(&sb, "Authorization ID: %s\n", authID)
	}
	sb.WriteString("Status: cleared\n\n")
	sb.WriteString("Settlement and the refund of unused funds happen asynchronously. " +
		"Use get_card to watch for the settled/refunded status.")

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPlatformInfo returns platform configuration.
func (h *Handlers) HandleGetPlatformInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPlatformInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform info: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatDepositInstructions(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	sessionID := getString(m, "session_id", "sessionId")
	if sessionID == "" {
		return "", fmt.Errorf("no session ID in response: %s", string(raw))
	}

	var sb strings.Builder
	sb.WriteString("Payment session opened. Deposit USDC to fund your card:\n\n")
	fmt.Fprintf(&sb, "Session ID: %s\n", sessionID)
	fmt.Fprintf(&sb, "Escrow contract: %s\n", getString(m, "contract_address", "contractAddress"))
	fmt.Fprintf(&sb, "USDC token: %s\n", getString(m, "token_contract", "tokenContract"))
	if v, ok := getFloat(m, "chain_id", "chainId"); ok {
		fmt.Fprintf(&sb, "Chain ID: %.0f\n", v)
	}
	fmt.Fprintf(&sb, "Required amount: %s units", getString(m, "required_amount", "requiredAmount"))
	if disp := getString(m, "required_amount_display", "requiredAmountDisplay"); disp != "" {
		fmt.Fprintf(&sb, " (%s USDC)", disp)
	}
	sb.WriteString("\n")
	if v := getString(m, "expires_at", "expiresAt"); v != "" {
		fmt.Fprintf(&sb, "Expires: %s\n", v)
	}
	sb.WriteString("\nSend the deposit by calling deposit(sessionId, amount) on the escrow " +
		"contract after approving the USDC transfer. The deposit must reference the " +
		"session ID exactly. Then call confirm_deposit with the transaction hash.")

	return sb.String(), nil
}

func formatIssuedCard(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	cardID := getString(resp, "card_id", "cardId")
	c, _ := resp["card"].(map[string]any)
	if cardID == "" || c == nil {
		return "", fmt.Errorf("no card in response: %s", string(raw))
	}

	var sb strings.Builder
	sb.WriteString("Deposit verified. Your virtual card is ready:\n\n")
	fmt.Fprintf(&sb, "Card ID: %s\n", cardID)
	fmt.Fprintf(&sb, "Number: %s\n", getString(c, "pan"))
	fmt.Fprintf(&sb, "CVV: %s\n", getString(c, "cvv"))
	if mo, ok := getFloat(c, "exp_month", "expMonth"); ok {
		yr, _ := getFloat(c, "exp_year", "expYear")
		fmt.Fprintf(&sb, "Expires: %02.0f/%.0f\n", mo, yr)
	}
	if v := getString(resp, "amount_usd", "amountUsd"); v != "" {
		fmt.Fprintf(&sb, "Funded: $%s\n", v)
	}
	if v := getString(resp, "tx_ref", "txRef"); v != "" {
		fmt.Fprintf(&sb, "Deposit tx: %s\n", v)
	}
	sb.WriteString("\nThe number and CVV are shown once and never stored. " +
		"The card is single-use with a spend cap; unused funds are refunded " +
		"on-chain after the charge settles.")

	return sb.String(), nil
}

func formatCardStatus(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	c := resp
	if inner, ok := resp["card"].(map[string]any); ok {
		c = inner
	}
	if getString(c, "id") == "" {
		return "", fmt.Errorf("no card in response: %s", string(raw))
	}

	return formatCardLine(c, true), nil
}

func formatCardList(raw json.RawMessage) (string, error) {
	var resp struct {
		Cards []map[string]any `json:"cards"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Cards == nil {
		if err := json.Unmarshal(raw, &resp.Cards); err != nil {
			return "", fmt.Errorf("unexpected cards response format")
		}
	}

	if len(resp.Cards) == 0 {
		return "No cards found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d card(s):\n\n", len(resp.Cards))
	for i, c := range resp.Cards {
		fmt.Fprintf(&sb, "%d. %s", i+1, formatCardLine(c, false))
		if i < len(resp.Cards)-1 {
			sb.WriteString("\n\n")
		}
	}
	return sb.String(), nil
}

// formatCardLine renders a ledger card projection. The projection carries no
// PAN or CVV, so there is nothing sensitive to redact here.
func formatCardLine(c map[string]any, verbose bool) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Card %s", getString(c, "id"))
	if last4 := getString(c, "lastFour", "last_four"); last4 != "" {
		fmt.Fprintf(&sb, " (**%s)", last4)
	}
	fmt.Fprintf(&sb, "\n   Status: %s", getString(c, "status"))
	if limit, ok := getFloat(c, "spendLimitCents", "spend_limit_cents"); ok {
		fmt.Fprintf(&sb, " | Limit: $%.2f", limit/100)
	}
	if charged, ok := getFloat(c, "chargedCents", "charged_cents"); ok && charged > 0 {
		fmt.Fprintf(&sb, " | Charged: $%.2f", charged/100)
	}

	if verbose {
		sb.WriteString("\n")
		if paid, ok := getFloat(c, "paidCents", "paid_cents"); ok {
			fmt.Fprintf(&sb, "   Deposited: $%.2f\n", paid/100)
		}
		if v := getString(c, "merchantName", "merchant_name"); v != "" {
			fmt.Fprintf(&sb, "   Merchant: %s\n", v)
		}
		if refund, ok := getFloat(c, "refundCents", "refund_cents"); ok && refund > 0 {
			fmt.Fprintf(&sb, "   Refund: $%.2f", refund/100)
			if tx := getString(c, "refundTxHash", "refund_tx_hash"); tx != "" {
				fmt.Fprintf(&sb, " (tx %s)", tx)
			}
			sb.WriteString("\n")
		}
		if v := getString(c, "sessionId", "session_id"); v != "" {
			fmt.Fprintf(&sb, "   Session: %s\n", v)
		}
		if v := getString(c, "txRef", "tx_ref"); v != "" {
			fmt.Fprintf(&sb, "   Deposit tx: %s\n", v)
		}
	}

	return sb.String()
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
