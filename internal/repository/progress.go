package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"coaching-sim/internal/domain"
)

// UpsertCompetency records one session's level for a competency. The session
// counter moves at most once per session id; best and current level only ever
// rise. Both writes are safe to repeat.
//
// The fold is two updates because each needs its own condition: the counter
// is guarded on the session id claim, the level on bestScore < :score. One
// UpdateItem carries a single condition, so a repeat session with a higher
// score could not raise the level without also failing the claim.
func (c *Client) UpsertCompetency(ctx context.Context, learnerID, sessionID string, comp domain.Competency, score int) error {
	key := keyOf(learnerPK(learnerID), skPrefixProg+comp.Key())

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key,
		UpdateExpression:    aws.String("SET learnerId = :lid, competency = :comp ADD totalSessions :one, sessionIds :sids"),
		ConditionExpression: aws.String("attribute_not_exists(sessionIds) OR NOT contains(sessionIds, :sid)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lid":  str(learnerID),
			":comp": str(comp.Key()),
			":one":  num(1),
			":sids": &types.AttributeValueMemberSS{Value: []string{sessionID}},
			":sid":  str(sessionID),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("repository: UpsertCompetency count %s: %w", comp.Key(), err)
	}

	level := domain.ClampLevel(score)
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key,
		UpdateExpression:    aws.String("SET bestScore = :score, currentLevel = :score"),
		ConditionExpression: aws.String("attribute_not_exists(bestScore) OR bestScore < :score"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":score": num(int64(level)),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("repository: UpsertCompetency level %s: %w", comp.Key(), err)
	}
	return nil
}
