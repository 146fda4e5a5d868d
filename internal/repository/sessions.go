package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"coaching-sim/internal/domain"
)

// Create writes a new active session together with the learner's active
// pointer. The pointer's existence condition enforces one active session per
// learner.
func (c *Client) Create(ctx context.Context, s domain.Session) error {
	if s.ID == "" || s.LearnerID == "" {
		return errors.New("repository: Create: session and learner ids are required")
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                sessionItem(s),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                activeItem(s),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		if cancelledAt(err, 1) {
			return fmt.Errorf("repository: Create: %w", domain.ErrActiveSessionExists)
		}
		return fmt.Errorf("repository: Create: %w", err)
	}
	return nil
}

func (c *Client) FindByID(ctx context.Context, sessionID string) (domain.Session, error) {
	item, err := c.getItem(ctx, sessionPK(sessionID), skMeta)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: FindByID get item: %w", err)
	}
	if item == nil {
		return domain.Session{}, fmt.Errorf("repository: FindByID %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	s, err := itemToSession(item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: FindByID decode: %w", err)
	}
	return s, nil
}

// FindActiveByLearner follows the learner's active pointer. A pointer to a
// session that is no longer active is treated as absent.
func (c *Client) FindActiveByLearner(ctx context.Context, learnerID string) (domain.Session, error) {
	item, err := c.getItem(ctx, learnerPK(learnerID), skActive)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: FindActiveByLearner get item: %w", err)
	}
	if item == nil {
		return domain.Session{}, fmt.Errorf("repository: FindActiveByLearner: %w", domain.ErrSessionNotFound)
	}
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: FindActiveByLearner decode: %w", err)
	}
	s, err := c.FindByID(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if !s.Active() {
		return domain.Session{}, fmt.Errorf("repository: FindActiveByLearner: %w", domain.ErrSessionNotFound)
	}
	return s, nil
}

func (c *Client) MarkAbandoned(ctx context.Context, s domain.Session, at time.Time) error {
	return c.closeSession(ctx, "MarkAbandoned", s, &types.Update{
		TableName:           aws.String(c.tableName),
		Key:                 keyOf(sessionPK(s.ID), skMeta),
		UpdateExpression:    aws.String("SET #status = :next, completedAt = :at"),
		ConditionExpression: aws.String("#status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":   str(string(domain.StatusAbandoned)),
			":active": str(string(domain.StatusActive)),
			":at":     timeAttr(at),
		},
	})
}

// MarkCompleted records final scores and folds the last token delta into the
// running counter in the same write that closes the session.
func (c *Client) MarkCompleted(ctx context.Context, s domain.Session, r domain.SessionResult) error {
	return c.closeSession(ctx, "MarkCompleted", s, &types.Update{
		TableName:           aws.String(c.tableName),
		Key:                 keyOf(sessionPK(s.ID), skMeta),
		UpdateExpression:    aws.String("SET #status = :next, completedAt = :at, scores = :scores, globalScore = :global ADD tokensUsed :delta"),
		ConditionExpression: aws.String("#status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":   str(string(domain.StatusCompleted)),
			":active": str(string(domain.StatusActive)),
			":at":     timeAttr(r.CompletedAt),
			":scores": scoresAttr(r.Scores.Clamped()),
			":global": num(int64(r.GlobalScore)),
			":delta":  num(int64(r.TokenDelta)),
		},
	})
}

func (c *Client) closeSession(ctx context.Context, op string, s domain.Session, update *types.Update) error {
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: update},
			{
				Delete: &types.Delete{
					TableName:           aws.String(c.tableName),
					Key:                 keyOf(learnerPK(s.LearnerID), skActive),
					ConditionExpression: aws.String("attribute_not_exists(PK) OR sessionId = :sid"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":sid": str(s.ID),
					},
				},
			},
		},
	})
	if err != nil {
		if cancelledAt(err, 0) {
			return fmt.Errorf("repository: %s %s: %w", op, s.ID, domain.ErrSessionNotActive)
		}
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	return nil
}

// IncrementTokens atomically adds delta to the token counter of an active
// session and returns the new total.
func (c *Client) IncrementTokens(ctx context.Context, sessionID string, delta int) (int64, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 keyOf(sessionPK(sessionID), skMeta),
		UpdateExpression:    aws.String("ADD tokensUsed :delta"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":delta":  num(int64(delta)),
			":active": str(string(domain.StatusActive)),
		},
		ReturnValues:                        types.ReturnValueUpdatedNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, fmt.Errorf("repository: IncrementTokens %s: %w", sessionID, sessionGuardFailed(err))
		}
		return 0, fmt.Errorf("repository: IncrementTokens: %w", err)
	}
	total, err := intAttr(out.Attributes, "tokensUsed")
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementTokens decode: %w", err)
	}
	return total, nil
}

func sessionItem(s domain.Session) map[string]types.AttributeValue {
	item := keyOf(sessionPK(s.ID), skMeta)
	item["sessionId"] = str(s.ID)
	item["learnerId"] = str(s.LearnerID)
	item["scenarioId"] = str(s.ScenarioID)
	item["status"] = str(string(s.Status))
	item["startedAt"] = timeAttr(s.StartedAt)
	item["tokensUsed"] = num(s.TokensUsed)
	item["seq"] = num(0)
	return item
}

func activeItem(s domain.Session) map[string]types.AttributeValue {
	item := keyOf(learnerPK(s.LearnerID), skActive)
	item["sessionId"] = str(s.ID)
	item["startedAt"] = timeAttr(s.StartedAt)
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	var (
		s   domain.Session
		err error
	)
	if s.ID, err = strAttr(item, "sessionId"); err != nil {
		return domain.Session{}, err
	}
	if s.LearnerID, err = strAttr(item, "learnerId"); err != nil {
		return domain.Session{}, err
	}
	if s.ScenarioID, err = strAttr(item, "scenarioId"); err != nil {
		return domain.Session{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Session{}, err
	}
	s.Status = domain.SessionStatus(status)
	if s.StartedAt, err = timeFromAttr(item, "startedAt"); err != nil {
		return domain.Session{}, err
	}
	if s.TokensUsed, err = optIntAttr(item, "tokensUsed"); err != nil {
		return domain.Session{}, err
	}
	if _, ok := item["completedAt"]; ok {
		at, err := timeFromAttr(item, "completedAt")
		if err != nil {
			return domain.Session{}, err
		}
		s.CompletedAt = &at
	}
	if _, ok := item["scores"]; ok {
		scores, err := scoresFromAttr(item["scores"])
		if err != nil {
			return domain.Session{}, err
		}
		s.Scores = &scores
	}
	if _, ok := item["globalScore"]; ok {
		g, err := intAttr(item, "globalScore")
		if err != nil {
			return domain.Session{}, err
		}
		global := int(g)
		s.GlobalScore = &global
	}
	return s, nil
}

func scoresAttr(s domain.CompetencyScoreSet) *types.AttributeValueMemberM {
	m := make(map[string]types.AttributeValue, len(domain.Competencies))
	for _, c := range domain.Competencies {
		m[string(c)] = num(int64(s.Level(c)))
	}
	return &types.AttributeValueMemberM{Value: m}
}

func scoresFromAttr(v types.AttributeValue) (domain.CompetencyScoreSet, error) {
	m, ok := v.(*types.AttributeValueMemberM)
	if !ok {
		return domain.CompetencyScoreSet{}, errors.New("repository: attribute \"scores\" is not a map")
	}
	scores := domain.NeutralScores()
	for _, c := range domain.Competencies {
		if _, ok := m.Value[string(c)]; !ok {
			continue
		}
		level, err := intAttr(m.Value, string(c))
		if err != nil {
			return domain.CompetencyScoreSet{}, err
		}
		scores = scores.With(c, int(level))
	}
	return scores, nil
}
