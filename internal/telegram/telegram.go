// Package telegram is a thin client over the Telegram Bot API. It covers
// only the methods the gatekeeper needs and classifies the API's error
// descriptions into result codes, so callers never string-match
// Telegram errors themselves.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func New(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	EditedMessage *Message       `json:"edited_message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

type Message struct {
	MessageID      int64    `json:"message_id"`
	Chat           *Chat    `json:"chat,omitempty"`
	From           *User    `json:"from,omitempty"`
	ReplyTo        *Message `json:"reply_to_message,omitempty"`
	Entities       []Entity `json:"entities,omitempty"`
	Text           string   `json:"text,omitempty"`
	Caption        string   `json:"caption,omitempty"`
	NewChatMembers []User   `json:"new_chat_members,omitempty"`
	LeftChatMember *User    `json:"left_chat_member,omitempty"`
}

type Chat struct {
	ID         int64  `json:"id"`
	Type       string `json:"type,omitempty"` // private|group|supergroup|channel
	Title      string `json:"title,omitempty"`
	Username   string `json:"username,omitempty"`
	InviteLink string `json:"invite_link,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

type ChatMember struct {
	User   *User  `json:"user,omitempty"`
	Status string `json:"status,omitempty"` // creator|administrator|member|restricted|left|kicked
}

// DisplayName renders a user the way Telegram clients show them.
func DisplayName(u *User) string {
	if u == nil {
		return ""
	}
	first := strings.TrimSpace(u.FirstName)
	last := strings.TrimSpace(u.LastName)
	username := strings.TrimSpace(u.Username)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case username != "":
		return "@" + username
	default:
		return ""
	}
}

// DeleteResult classifies the outcome of a deleteMessage call.
type DeleteResult int

const (
	DeleteOK DeleteResult = iota
	DeleteNotFound
	DeleteNoPermission
	DeleteFailed
)

// MemberResult classifies the outcome of a kick or ban attempt.
type MemberResult int

const (
	MemberRemoved MemberResult = iota
	MemberAbsent
	MemberNoPermission
	MemberIsAdmin
	MemberFailed
)

type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

// apiError keeps Telegram's error description so callers can classify it.
type apiError struct {
	method      string
	code        int
	description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.method, e.code, e.description)
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("telegram http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return err
	}
	if !env.OK {
		return &apiError{method: method, code: env.ErrorCode, description: env.Description}
	}
	if result != nil && len(env.Result) > 0 {
		return json.Unmarshal(env.Result, result)
	}
	return nil
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates and returns the next offset to ask for.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	payload := map[string]any{
		"timeout":         secs,
		"allowed_updates": []string{"message", "edited_message", "callback_query"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var updates []Update
	if err := c.call(reqCtx, "getUpdates", payload, &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

func (c *Client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	err := c.call(ctx, "getChat", map[string]any{"chat_id": chatID}, &chat)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// SendOptions carries the optional knobs of sendMessage.
type SendOptions struct {
	ReplyTo             int64
	ParseHTML           bool
	DisablePreview      bool
	DisableNotification bool
}

// SendMessage posts text to a chat and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if opts.ReplyTo > 0 {
		payload["reply_to_message_id"] = opts.ReplyTo
	}
	if opts.ParseHTML {
		payload["parse_mode"] = "HTML"
	}
	if opts.DisablePreview {
		payload["disable_web_page_preview"] = true
	}
	if opts.DisableNotification {
		payload["disable_notification"] = true
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", payload, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// InlineButton is one button of an inline keyboard row.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// SendPhoto uploads a local image and returns the new message id. The
// keyboard, when non-empty, is attached as a single row.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photoPath, caption string, buttons []InlineButton) (int64, error) {
	fields := map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
	}
	if caption = strings.TrimSpace(caption); caption != "" {
		fields["caption"] = caption
		fields["parse_mode"] = "HTML"
	}
	if len(buttons) > 0 {
		markup, err := json.Marshal(map[string]any{
			"inline_keyboard": [][]InlineButton{buttons},
		})
		if err != nil {
			return 0, err
		}
		fields["reply_markup"] = string(markup)
	}
	var msg Message
	if err := c.upload(ctx, "sendPhoto", "photo", photoPath, fields, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessagePhoto swaps the image of an already-sent photo message,
// keeping the caption and keyboard provided.
func (c *Client) EditMessagePhoto(ctx context.Context, chatID, messageID int64, photoPath, caption string, buttons []InlineButton) error {
	media := map[string]any{
		"type":  "photo",
		"media": "attach://photo",
	}
	if caption = strings.TrimSpace(caption); caption != "" {
		media["caption"] = caption
		media["parse_mode"] = "HTML"
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": strconv.FormatInt(messageID, 10),
		"media":      string(mediaJSON),
	}
	if len(buttons) > 0 {
		markup, err := json.Marshal(map[string]any{
			"inline_keyboard": [][]InlineButton{buttons},
		})
		if err != nil {
			return err
		}
		fields["reply_markup"] = string(markup)
	}
	return c.upload(ctx, "editMessageMedia", "photo", photoPath, fields, nil)
}

func (c *Client) upload(ctx context.Context, method, fileField, filePath string, fields map[string]string, result any) error {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return fmt.Errorf("missing file path")
	}
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()

		for k, v := range fields {
			_ = mw.WriteField(k, v)
		}
		part, err := mw.CreateFormFile(fileField, filepath.Base(filePath))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
	}()

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("telegram http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return err
	}
	if !env.OK {
		return &apiError{method: method, code: env.ErrorCode, description: env.Description}
	}
	if result != nil && len(env.Result) > 0 {
		return json.Unmarshal(env.Result, result)
	}
	return nil
}

// DeleteMessage removes a message and classifies the outcome. The error
// is non-nil only for DeleteFailed, where the caller may want to log it.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) (DeleteResult, error) {
	err := c.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
	if err == nil {
		return DeleteOK, nil
	}
	desc := errorDescription(err)
	switch {
	case strings.Contains(desc, "message to delete not found"):
		return DeleteNotFound, nil
	case strings.Contains(desc, "message can't be deleted"):
		return DeleteNoPermission, nil
	case strings.Contains(desc, "not enough rights"):
		return DeleteNoPermission, nil
	default:
		return DeleteFailed, err
	}
}

// KickUser removes a member without a lasting ban: the ban is lifted
// right after, so the user may rejoin. Users already gone are reported
// as absent instead of hammering the API.
func (c *Client) KickUser(ctx context.Context, chatID, userID int64) (MemberResult, error) {
	member, err := c.getChatMember(ctx, chatID, userID)
	if err == nil && member != nil {
		switch member.Status {
		case "left", "kicked":
			return MemberAbsent, nil
		}
	}
	if res, err := c.banChatMember(ctx, chatID, userID); res != MemberRemoved {
		return res, err
	}
	// Lift the ban so the kick is temporary.
	err = c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        chatID,
		"user_id":        userID,
		"only_if_banned": true,
	}, nil)
	if err != nil {
		return classifyMemberError(err)
	}
	return MemberRemoved, nil
}

// BanUser removes a member permanently.
func (c *Client) BanUser(ctx context.Context, chatID, userID int64) (MemberResult, error) {
	return c.banChatMember(ctx, chatID, userID)
}

func (c *Client) banChatMember(ctx context.Context, chatID, userID int64) (MemberResult, error) {
	err := c.call(ctx, "banChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
	if err != nil {
		return classifyMemberError(err)
	}
	return MemberRemoved, nil
}

func classifyMemberError(err error) (MemberResult, error) {
	desc := errorDescription(err)
	switch {
	case strings.Contains(desc, "user not found"),
		strings.Contains(desc, "participant_id_invalid"):
		return MemberAbsent, nil
	case strings.Contains(desc, "not enough rights"):
		return MemberNoPermission, nil
	case strings.Contains(desc, "user is an administrator"):
		return MemberIsAdmin, nil
	default:
		return MemberFailed, err
	}
}

func (c *Client) getChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	var member ChatMember
	err := c.call(ctx, "getChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, &member)
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// RestrictUser revokes a member's send permissions until the given unix
// time. Zero means restricted forever (by Telegram's rules, anything
// under 30 seconds or over 366 days means forever).
func (c *Client) RestrictUser(ctx context.Context, chatID, userID, untilUnix int64) error {
	return c.call(ctx, "restrictChatMember", map[string]any{
		"chat_id":     chatID,
		"user_id":     userID,
		"until_date":  untilUnix,
		"permissions": map[string]bool{"can_send_messages": false},
	}, nil)
}

// UnrestrictUser restores a member's default send permissions.
func (c *Client) UnrestrictUser(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "restrictChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
		"permissions": map[string]bool{
			"can_send_messages":         true,
			"can_send_audios":           true,
			"can_send_documents":        true,
			"can_send_photos":           true,
			"can_send_videos":           true,
			"can_send_other_messages":   true,
			"can_add_web_page_previews": true,
		},
	}, nil)
}

// ChatAdmins returns the user ids of a chat's administrators.
func (c *Client) ChatAdmins(ctx context.Context, chatID int64) (map[int64]bool, error) {
	var members []ChatMember
	err := c.call(ctx, "getChatAdministrators", map[string]any{"chat_id": chatID}, &members)
	if err != nil {
		return nil, err
	}
	admins := make(map[int64]bool, len(members))
	for _, m := range members {
		if m.User != nil {
			admins[m.User.ID] = true
		}
	}
	return admins, nil
}

// AnswerCallback acknowledges a callback query so the client stops its
// spinner. Text, when set, shows as a toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text = strings.TrimSpace(text); text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

func errorDescription(err error) string {
	var ae *apiError
	if errors.As(err, &ae) {
		return strings.ToLower(ae.description)
	}
	return strings.ToLower(err.Error())
}
