package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"coaching-sim/internal/domain"
)

// SaveDebrief stores the report once; a second save for the same session
// returns domain.ErrDebriefAlreadyExists.
func (c *Client) SaveDebrief(ctx context.Context, r domain.DebriefReport) error {
	if r.SessionID == "" {
		return fmt.Errorf("repository: SaveDebrief: session id is required")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("repository: SaveDebrief encode: %w", err)
	}

	item := keyOf(sessionPK(r.SessionID), skDebrief)
	item["sessionId"] = str(r.SessionID)
	item["scoreGlobal"] = num(int64(r.GlobalScore))
	item["fallback"] = &types.AttributeValueMemberBOOL{Value: r.Fallback}
	item["createdAt"] = timeAttr(r.CreatedAt)
	item["report"] = str(string(body))

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: SaveDebrief %s: %w", r.SessionID, domain.ErrDebriefAlreadyExists)
		}
		return fmt.Errorf("repository: SaveDebrief: %w", err)
	}
	return nil
}

func (c *Client) FindDebrief(ctx context.Context, sessionID string) (domain.DebriefReport, error) {
	item, err := c.getItem(ctx, sessionPK(sessionID), skDebrief)
	if err != nil {
		return domain.DebriefReport{}, fmt.Errorf("repository: FindDebrief get item: %w", err)
	}
	if item == nil {
		return domain.DebriefReport{}, fmt.Errorf("repository: FindDebrief %s: %w", sessionID, domain.ErrDebriefNotFound)
	}
	body, err := strAttr(item, "report")
	if err != nil {
		return domain.DebriefReport{}, fmt.Errorf("repository: FindDebrief decode: %w", err)
	}
	var r domain.DebriefReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return domain.DebriefReport{}, fmt.Errorf("repository: FindDebrief decode: %w", err)
	}
	return r, nil
}
