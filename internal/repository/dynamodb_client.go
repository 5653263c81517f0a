package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"care-orchestrator/internal/conversation"
	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/logger"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
	skActive     = "ACTIVE#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ conversation.Store = (*Client)(nil)

// Client stores conversations in a single DynamoDB table. Each conversation
// has a META# item and one TURN# item per committed turn under CONV#<id>;
// USER#<user>#<channel>/ACTIVE# points at the user's non-ended conversation.
type Client struct {
	api       dynamodbAPI
	tableName string
	log       *logger.Logger
}

type Option func(*Client)

func WithLogger(log *logger.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrNop(c.log).With("component", "repository")
	return c, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func activePK(userID string, channel domain.Channel) string {
	return "USER#" + userID + "#" + string(channel)
}

// turnSK zero-pads the sequence so sort keys order numerically.
func turnSK(sequence int) string {
	return fmt.Sprintf("%s%010d", skPrefixTurn, sequence)
}

func ttlValue(from time.Time) int64 {
	return from.Add(ttlDuration).Unix()
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Create writes the conversation and claims the user's active pointer in one
// transaction. A pointer to a live conversation yields
// conversation.ErrActiveExists; one left behind by an ended or expired
// conversation is released and the claim retried once.
func (c *Client) Create(ctx context.Context, conv domain.Conversation) error {
	err := c.create(ctx, conv)
	if !errors.Is(err, conversation.ErrActiveExists) {
		return err
	}
	free, err := c.releaseStalePointer(ctx, conv.UserID, conv.Channel)
	if err != nil {
		return err
	}
	if !free {
		return conversation.ErrActiveExists
	}
	return c.create(ctx, conv)
}

func (c *Client) create(ctx context.Context, conv domain.Conversation) error {
	pointer := itemKey(activePK(conv.UserID, conv.Channel), skActive)
	pointer["conversationId"] = &types.AttributeValueMemberS{Value: conv.ID}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                metaItem(conv),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                pointer,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		if isTxConditionFailure(err) {
			return conversation.ErrActiveExists
		}
		return fmt.Errorf("repository: Create: %w", err)
	}
	return nil
}

// releaseStalePointer deletes the user's active pointer when the
// conversation it names has ended or no longer exists. It reports whether the
// pointer slot is free to claim.
func (c *Client) releaseStalePointer(ctx context.Context, userID string, channel domain.Channel) (bool, error) {
	key := itemKey(activePK(userID, channel), skActive)
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: Create read pointer: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return true, nil
	}
	staleID, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return false, fmt.Errorf("repository: Create decode pointer: %w", err)
	}
	conv, err := c.Get(ctx, staleID)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
	case err != nil:
		return false, err
	case !conv.Ended():
		return false, nil
	}

	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key,
		ConditionExpression: aws.String("conversationId = :stale"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":stale": &types.AttributeValueMemberS{Value: staleID},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Someone else replaced the pointer in the meantime.
			return false, nil
		}
		return false, fmt.Errorf("repository: Create release pointer: %w", err)
	}
	c.log.Warn("released stale active pointer", "conversation_id", staleID, "channel", channel)
	return true, nil
}

func (c *Client) Get(ctx context.Context, id string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(convPK(id), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, conversation.ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Get decode: %w", err)
	}
	return conv, nil
}

// FindActive follows the user's active pointer. A pointer left behind by a
// closed conversation counts as no active conversation.
func (c *Client) FindActive(ctx context.Context, userID string, channel domain.Channel) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(activePK(userID, channel), skActive),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindActive: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, conversation.ErrNotFound
	}
	id, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindActive decode: %w", err)
	}
	conv, err := c.Get(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conv.Ended() {
		return domain.Conversation{}, conversation.ErrNotFound
	}
	return conv, nil
}

// AppendTurn writes the turn and advances META# in one transaction,
// conditional on the stored sequence being the turn's predecessor and the
// conversation not being ended.
func (c *Client) AppendTurn(ctx context.Context, u conversation.TurnUpdate) error {
	t := u.Turn
	if t.ConversationID == "" || t.Sequence < 1 {
		return errors.New("repository: AppendTurn: conversation id and sequence are required")
	}
	item, err := turnItem(t, u.At)
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 itemKey(convPK(t.ConversationID), skMeta),
					UpdateExpression:    aws.String("SET turnSequence = :seq, #st = :state, escalationReason = :reason, lastActivity = :at, #ttl = :ttl"),
					ConditionExpression: aws.String("turnSequence = :prev AND #st <> :ended"),
					ExpressionAttributeNames: map[string]string{
						"#st":  "state",
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":seq":    numAttr(int64(t.Sequence)),
						":prev":   numAttr(int64(t.Sequence - 1)),
						":state":  &types.AttributeValueMemberS{Value: string(u.State)},
						":reason": &types.AttributeValueMemberS{Value: string(u.EscalationReason)},
						":at":     numAttr(u.At.UnixMilli()),
						":ttl":    numAttr(ttlValue(u.At)),
						":ended":  &types.AttributeValueMemberS{Value: string(domain.StateEnded)},
					},
				},
			},
		},
	})
	if err != nil {
		if isTxConditionFailure(err) {
			return conversation.ErrStaleSequence
		}
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

func (c *Client) GetTurn(ctx context.Context, id string, sequence int) (domain.Turn, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(convPK(id), turnSK(sequence)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Turn{}, conversation.ErrNotFound
	}
	turn, err := itemToTurn(out.Item)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn decode: %w", err)
	}
	return turn, nil
}

// History returns the last limit turns in chronological order. A limit of
// zero returns every turn.
func (c *Client) History(ctx context.Context, id string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(id)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	var turns []domain.Turn
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: History query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: History unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if limit > 0 || len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// End marks the conversation ended and releases the user's active pointer.
func (c *Client) End(ctx context.Context, id string, reason domain.CloseReason, at time.Time) (domain.Conversation, error) {
	return c.end(ctx, id, reason, at, time.Time{})
}

// EndIdle is End for inactivity, conditional on lastActivity still being
// before the cutoff.
func (c *Client) EndIdle(ctx context.Context, id string, before, at time.Time) (domain.Conversation, error) {
	return c.end(ctx, id, domain.CloseInactivity, at, before)
}

func (c *Client) end(ctx context.Context, id string, reason domain.CloseReason, at, idleBefore time.Time) (domain.Conversation, error) {
	condition := "attribute_exists(PK) AND #st <> :ended"
	values := map[string]types.AttributeValue{
		":ended":  &types.AttributeValueMemberS{Value: string(domain.StateEnded)},
		":reason": &types.AttributeValueMemberS{Value: string(reason)},
		":none":   &types.AttributeValueMemberS{Value: ""},
		":at":     numAttr(at.UnixMilli()),
	}
	if !idleBefore.IsZero() {
		condition += " AND lastActivity < :before"
		values[":before"] = numAttr(idleBefore.UnixMilli())
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(convPK(id), skMeta),
		UpdateExpression:    aws.String("SET #st = :ended, closeReason = :reason, escalationReason = :none, lastActivity = :at"),
		ConditionExpression: aws.String(condition),
		ExpressionAttributeNames: map[string]string{
			"#st": "state",
		},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			existing, gerr := c.Get(ctx, id)
			if gerr != nil {
				return domain.Conversation{}, gerr
			}
			if existing.Ended() {
				return existing, conversation.ErrConversationEnded
			}
			return existing, conversation.ErrStillActive
		}
		return domain.Conversation{}, fmt.Errorf("repository: End: %w", err)
	}
	conv, err := itemToConversation(out.Attributes)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: End decode: %w", err)
	}

	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(activePK(conv.UserID, conv.Channel), skActive),
		ConditionExpression: aws.String("conversationId = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			// The conversation has ended either way; Create releases the
			// leftover pointer on the user's next conversation.
			c.log.Warn("active pointer release failed", "conversation_id", id, "error", err)
		}
	}
	return conv, nil
}

// ListInactive scans META# items for non-ended conversations idle since
// before, oldest first.
func (c *Client) ListInactive(ctx context.Context, before time.Time, limit int) ([]domain.Conversation, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(c.tableName),
		FilterExpression: aws.String("SK = :meta AND #st <> :ended AND lastActivity < :before"),
		ExpressionAttributeNames: map[string]string{
			"#st": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":meta":   &types.AttributeValueMemberS{Value: skMeta},
			":ended":  &types.AttributeValueMemberS{Value: string(domain.StateEnded)},
			":before": numAttr(before.UnixMilli()),
		},
	}

	var out []domain.Conversation
	for {
		page, err := c.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListInactive scan: %w", err)
		}
		for _, item := range page.Items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListInactive unmarshal: %w", err)
			}
			out = append(out, conv)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.Before(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func isTxConditionFailure(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if len(tce.CancellationReasons) == 0 {
		return true
	}
	for _, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// turnRecord is the JSON payload stored on TURN# items.
type turnRecord struct {
	UserMessage      string                   `json:"userMessage"`
	RedactedMessage  string                   `json:"redactedMessage"`
	RetrievedContext []domain.PassageRef      `json:"retrievedContext,omitempty"`
	Response         domain.Generation        `json:"response"`
	UrgencyFlag      bool                     `json:"urgencyFlag"`
	MatchedSignal    string                   `json:"matchedSignal,omitempty"`
	Escalated        bool                     `json:"escalated"`
	Verdict          domain.EscalationVerdict `json:"verdict"`
	Reply            string                   `json:"reply"`
}

func turnItem(t domain.Turn, at time.Time) (map[string]types.AttributeValue, error) {
	payload, err := json.Marshal(turnRecord{
		UserMessage:      t.UserMessage,
		RedactedMessage:  t.RedactedMessage,
		RetrievedContext: t.RetrievedContext,
		Response:         t.Response,
		UrgencyFlag:      t.UrgencyFlag,
		MatchedSignal:    t.MatchedSignal,
		Escalated:        t.Escalated,
		Verdict:          t.Verdict,
		Reply:            t.Reply,
	})
	if err != nil {
		return nil, fmt.Errorf("encode turn: %w", err)
	}
	item := itemKey(convPK(t.ConversationID), turnSK(t.Sequence))
	item["conversationId"] = &types.AttributeValueMemberS{Value: t.ConversationID}
	item["sequence"] = numAttr(int64(t.Sequence))
	item["timestamp"] = numAttr(t.Timestamp.UnixMilli())
	item["payload"] = &types.AttributeValueMemberS{Value: string(payload)}
	item["ttl"] = numAttr(ttlValue(at))
	return item, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Turn{}, err
	}
	seq, err := intAttr(item, "sequence")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := intAttr(item, "timestamp")
	if err != nil {
		return domain.Turn{}, err
	}
	payload, err := strAttr(item, "payload")
	if err != nil {
		return domain.Turn{}, err
	}
	var rec turnRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return domain.Turn{}, fmt.Errorf("repository: decode turn payload: %w", err)
	}
	return domain.Turn{
		ConversationID:   id,
		Sequence:         seq,
		UserMessage:      rec.UserMessage,
		RedactedMessage:  rec.RedactedMessage,
		RetrievedContext: rec.RetrievedContext,
		Response:         rec.Response,
		UrgencyFlag:      rec.UrgencyFlag,
		MatchedSignal:    rec.MatchedSignal,
		Escalated:        rec.Escalated,
		Verdict:          rec.Verdict,
		Reply:            rec.Reply,
		Timestamp:        time.UnixMilli(int64(ts)).UTC(),
	}, nil
}

// metaItem stores times as unix milliseconds so filters compare numerically.
func metaItem(conv domain.Conversation) map[string]types.AttributeValue {
	item := itemKey(convPK(conv.ID), skMeta)
	item["conversationId"] = &types.AttributeValueMemberS{Value: conv.ID}
	item["userId"] = &types.AttributeValueMemberS{Value: conv.UserID}
	item["state"] = &types.AttributeValueMemberS{Value: string(conv.State)}
	item["channel"] = &types.AttributeValueMemberS{Value: string(conv.Channel)}
	item["language"] = &types.AttributeValueMemberS{Value: conv.Language}
	item["turnSequence"] = numAttr(int64(conv.TurnSequence))
	item["escalationReason"] = &types.AttributeValueMemberS{Value: string(conv.EscalationReason)}
	item["closeReason"] = &types.AttributeValueMemberS{Value: string(conv.CloseReason)}
	item["createdAt"] = numAttr(conv.CreatedAt.UnixMilli())
	item["lastActivity"] = numAttr(conv.LastActivity.UnixMilli())
	item["ttl"] = numAttr(ttlValue(conv.LastActivity))
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Conversation{}, err
	}
	state, err := strAttr(item, "state")
	if err != nil {
		return domain.Conversation{}, err
	}
	channel, err := strAttr(item, "channel")
	if err != nil {
		return domain.Conversation{}, err
	}
	seq, err := intAttr(item, "turnSequence")
	if err != nil {
		return domain.Conversation{}, err
	}
	created, err := intAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	last, err := intAttr(item, "lastActivity")
	if err != nil {
		return domain.Conversation{}, err
	}
	language, _ := strAttr(item, "language")           // allow empty
	escalation, _ := strAttr(item, "escalationReason") // allow empty
	closeReason, _ := strAttr(item, "closeReason")     // allow empty

	return domain.Conversation{
		ID:               id,
		UserID:           userID,
		State:            domain.State(state),
		Channel:          domain.Channel(channel),
		Language:         language,
		TurnSequence:     seq,
		EscalationReason: domain.EscalationReason(escalation),
		CloseReason:      domain.CloseReason(closeReason),
		CreatedAt:        time.UnixMilli(int64(created)).UTC(),
		LastActivity:     time.UnixMilli(int64(last)).UTC(),
	}, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
