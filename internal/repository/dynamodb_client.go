package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"coaching-sim/internal/domain"
)

// Single-table layout:
//
//	SESSION#<id>  META#            session record, also holds the transcript seq counter
//	SESSION#<id>  MSG#<seq>        one transcript interaction
//	SESSION#<id>  DEBRIEF#         the debrief report
//	LEARNER#<id>  ACTIVE#          pointer to the learner's active session
//	LEARNER#<id>  PROGRESS#<C1-6>  longitudinal competency progress
const (
	pkPrefixSession = "SESSION#"
	pkPrefixLearner = "LEARNER#"
	skMeta          = "META#"
	skPrefixMsg     = "MSG#"
	skDebrief       = "DEBRIEF#"
	skActive        = "ACTIVE#"
	skPrefixProg    = "PROGRESS#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding sessions, transcripts, debriefs and
// learner progress. It implements every store interface the simulation
// service consumes.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func sessionPK(sessionID string) string {
	return pkPrefixSession + sessionID
}

func learnerPK(learnerID string) string {
	return pkPrefixLearner + learnerID
}

// msgSK zero-pads the sequence so lexical sort key order matches creation order.
func msgSK(seq int64) string {
	return fmt.Sprintf("%s%010d", skPrefixMsg, seq)
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": str(pk),
		"SK": str(sk),
	}
}

func (c *Client) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// sessionGuardFailed maps a failed `#status = :active` guard on the session
// record. DynamoDB returns the old item on the exception when it exists.
func sessionGuardFailed(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) && len(ccf.Item) > 0 {
		return domain.ErrSessionNotActive
	}
	return domain.ErrSessionNotFound
}

// cancelledAt reports whether a transaction was cancelled because the
// condition on item idx failed.
func cancelledAt(err error, idx int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || idx >= len(tce.CancellationReasons) {
		return false
	}
	return aws.ToString(tce.CancellationReasons[idx].Code) == "ConditionalCheckFailed"
}

func str(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

func num(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func timeAttr(t time.Time) *types.AttributeValueMemberS {
	return str(t.UTC().Format(time.RFC3339Nano))
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

// optStrAttr returns "" when the attribute is absent.
func optStrAttr(item map[string]types.AttributeValue, key string) (string, error) {
	if _, ok := item[key]; !ok {
		return "", nil
	}
	return strAttr(item, key)
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func optIntAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	if _, ok := item[key]; !ok {
		return 0, nil
	}
	return intAttr(item, key)
}

func timeFromAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
