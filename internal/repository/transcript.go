package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"coaching-sim/internal/domain"
)

// Append reserves the next sequence number on the session record, then writes
// the interaction under it. The reservation only succeeds while the session is
// active. A failed put leaves a gap in the sequence, never a reordering.
func (c *Client) Append(ctx context.Context, sessionID string, role domain.Role, content string, tokens int, payload json.RawMessage) (domain.Interaction, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 keyOf(sessionPK(sessionID), skMeta),
		UpdateExpression:    aws.String("ADD seq :one"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":    num(1),
			":active": str(string(domain.StatusActive)),
		},
		ReturnValues:                        types.ReturnValueUpdatedNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Interaction{}, fmt.Errorf("repository: Append %s: %w", sessionID, sessionGuardFailed(err))
		}
		return domain.Interaction{}, fmt.Errorf("repository: Append reserve seq: %w", err)
	}
	seq, err := intAttr(out.Attributes, "seq")
	if err != nil {
		return domain.Interaction{}, fmt.Errorf("repository: Append decode seq: %w", err)
	}

	it := domain.Interaction{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Content:   content,
		Tokens:    tokens,
		Payload:   payload,
		CreatedAt: c.now().UTC(),
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                interactionItem(it),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Interaction{}, fmt.Errorf("repository: Append: %w", err)
	}
	return it, nil
}

// ListBySession returns the full transcript in creation order.
func (c *Client) ListBySession(ctx context.Context, sessionID string) ([]domain.Interaction, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(sessionPK(sessionID)),
			":prefix": str(skPrefixMsg),
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})

	var items []domain.Interaction
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListBySession query: %w", err)
		}
		for _, item := range page.Items {
			it, err := itemToInteraction(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListBySession unmarshal: %w", err)
			}
			items = append(items, it)
		}
	}
	return items, nil
}

func interactionItem(it domain.Interaction) map[string]types.AttributeValue {
	item := keyOf(sessionPK(it.SessionID), msgSK(it.Seq))
	item["id"] = str(it.ID)
	item["sessionId"] = str(it.SessionID)
	item["seq"] = num(it.Seq)
	item["role"] = str(string(it.Role))
	item["content"] = str(it.Content)
	item["tokens"] = num(int64(it.Tokens))
	item["createdAt"] = timeAttr(it.CreatedAt)
	if len(it.Payload) > 0 {
		item["payload"] = str(string(it.Payload))
	}
	return item
}

func itemToInteraction(item map[string]types.AttributeValue) (domain.Interaction, error) {
	var (
		it  domain.Interaction
		err error
	)
	if it.ID, err = strAttr(item, "id"); err != nil {
		return domain.Interaction{}, err
	}
	if it.SessionID, err = strAttr(item, "sessionId"); err != nil {
		return domain.Interaction{}, err
	}
	if it.Seq, err = intAttr(item, "seq"); err != nil {
		return domain.Interaction{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Interaction{}, err
	}
	it.Role = domain.Role(role)
	// Empty content is legal for a coach row whose model returned nothing.
	if it.Content, err = optStrAttr(item, "content"); err != nil {
		return domain.Interaction{}, err
	}
	tokens, err := optIntAttr(item, "tokens")
	if err != nil {
		return domain.Interaction{}, err
	}
	it.Tokens = int(tokens)
	if it.CreatedAt, err = timeFromAttr(item, "createdAt"); err != nil {
		return domain.Interaction{}, err
	}
	payload, err := optStrAttr(item, "payload")
	if err != nil {
		return domain.Interaction{}, err
	}
	if payload != "" {
		it.Payload = json.RawMessage(payload)
	}
	return it, nil
}
