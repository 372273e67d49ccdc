package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tally/aggregate"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var (
	_ API                   = (*dynamodb.Client)(nil)
	_ aggregate.RecordStore = (*Store)(nil)
)

// Store provides DynamoDB record operations with aggregate cache maintenance.
type Store struct {
	client API
	config Config
	hooks  *aggregate.Hooks
	logger *slog.Logger
}

// New creates a new Store instance without aggregate hooks.
func New(client API, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
		logger: slog.Default(),
	}
}

// NewWithHooks creates a new Store instance whose writes run hooks.
func NewWithHooks(client API, config Config, hooks *aggregate.Hooks, logger *slog.Logger) *Store {
	s := New(client, config)
	s.SetHooks(hooks, logger)
	return s
}

// SetHooks sets the aggregate hooks run around writes. Hooks usually use the
// Store itself as their RecordStore, so they are set after construction.
func (s *Store) SetHooks(hooks *aggregate.Hooks, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.hooks = hooks
	s.logger = logger
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

// key builds the primary key for id.
func (s *Store) key(id any) (PK, error) {
	av, err := attributevalue.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return PK{s.config.IDAttr: av}, nil
}

// Create stores a new record. The item must contain the id attribute.
func (s *Store) Create(ctx context.Context, recordType string, item map[string]types.AttributeValue) error {
	if _, ok := item[s.config.IDAttr]; !ok {
		return ErrMissingID
	}

	nowISO := time.Now().UTC().Format(time.RFC3339)
	item["version"] = &types.AttributeValueMemberN{Value: "1"}
	item["created_at"] = &types.AttributeValueMemberS{Value: nowISO}
	item["updated_at"] = &types.AttributeValueMemberS{Value: nowISO}

	rec, snap, err := s.beforeWrite(ctx, recordType, item, nil)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.config.TableName(recordType)),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": s.config.IDAttr},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrAlreadyExists
		}
		return err
	}

	s.afterWrite(withPending(ctx, recordType, item[s.config.IDAttr], item), rec, snap, true)
	return nil
}

// Get retrieves a record by id, returning ErrNotFound if deleted or missing.
func (s *Store) Get(ctx context.Context, recordType string, id any) (*Item, error) {
	key, err := s.key(id)
	if err != nil {
		return nil, err
	}
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.TableName(recordType)),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	// Check if record is deleted (has expired TTL)
	if IsDeleted(result.Item) {
		return nil, ErrNotFound
	}

	return unmarshalItem(result.Item), nil
}

// Update updates a record with optimistic locking.
// Attributes absent from item are left unchanged.
func (s *Store) Update(ctx context.Context, recordType string, id any, item map[string]types.AttributeValue, expectedVersion int64) error {
	key, err := s.key(id)
	if err != nil {
		return err
	}

	var (
		rec    *aggregate.Record
		snap   *aggregate.Snapshot
		merged map[string]types.AttributeValue
	)
	if s.tracks(recordType) {
		current, err := s.Get(ctx, recordType, id)
		if err != nil {
			return err
		}
		merged = merge(current.Raw, item)
		rec, snap, err = s.beforeWrite(ctx, recordType, merged, current.Raw)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	setClauses, exprNames, exprValues := s.setExpression(item)
	exprNames = merge(exprNames, map[string]string{
		"#updated_at": "updated_at",
		"#version":    "version",
		"#ttl":        ttlAttr,
	})
	exprValues = merge(exprValues, map[string]types.AttributeValue{
		":updated_at":       &types.AttributeValueMemberS{Value: now},
		":one":              &types.AttributeValueMemberN{Value: "1"},
		":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
	})
	setClauses = append(setClauses, "#updated_at = :updated_at", "#version = #version + :one")

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.TableName(recordType)),
		Key:                       key,
		UpdateExpression:          aws.String("SET " + strings.Join(setClauses, ", ")),
		ConditionExpression:       aws.String("#version = :expected_version AND attribute_not_exists(#ttl)"),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return err
	}

	s.afterWrite(withPending(ctx, recordType, key[s.config.IDAttr], merged), rec, snap, false)
	return nil
}

// Delete marks a record for deletion by setting its TTL to now.
// Deleting an already-deleted record is a no-op.
func (s *Store) Delete(ctx context.Context, recordType string, id any) error {
	key, err := s.key(id)
	if err != nil {
		return err
	}

	var (
		rec  *aggregate.Record
		snap *aggregate.Snapshot
	)
	if s.tracks(recordType) {
		current, err := s.Get(ctx, recordType, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err = s.record(recordType, current.Raw, nil)
		if err != nil {
			return err
		}
		snap = s.hooks.BeforeDelete(ctx, rec)
	}

	deleted, err := s.setTTL(ctx, recordType, key)
	if err != nil || !deleted {
		return err
	}

	if rec != nil {
		ctx = withPending(ctx, recordType, key[s.config.IDAttr], nil)
		if err := s.hooks.AfterDelete(ctx, rec, snap); err != nil {
			s.logger.Warn("aggregate cache not updated after delete",
				"recordType", recordType,
				"id", rec.ID,
				"error", err,
			)
		}
	}
	return nil
}

// setTTL sets the TTL and increments the version to fail concurrent updates.
// It reports false when the record already had a TTL.
func (s *Store) setTTL(ctx context.Context, recordType string, key PK) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.TableName(recordType)),
		Key:                 key,
		UpdateExpression:    aws.String("SET #ttl = :now, #version = #version + :one"),
		ConditionExpression: aws.String("attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl":     ttlAttr,
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(time.Now().Unix(), 10),
			},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})

	// Ignore condition failure - already has TTL (already deleted)
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return false, nil
	}
	return err == nil, err
}

// Exists implements aggregate.RecordStore.
func (s *Store) Exists(ctx context.Context, recordType string, id any) (bool, error) {
	_, err := s.Get(ctx, recordType, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PatchAndSave implements aggregate.RecordStore. The version is left
// unchanged so cache writes never conflict with client updates.
func (s *Store) PatchAndSave(ctx context.Context, recordType string, id any, values map[string]any) error {
	key, err := s.key(id)
	if err != nil {
		return err
	}

	item := make(map[string]types.AttributeValue, len(values))
	for attr, v := range values {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", attr, err)
		}
		item[attr] = av
	}

	now := time.Now()
	live := LiveFilter(now)
	setClauses, exprNames, exprValues := s.setExpression(item)
	setClauses = append(setClauses, "#updated_at = :updated_at")
	exprNames = merge(exprNames, live.Names, map[string]string{
		"#id":         s.config.IDAttr,
		"#updated_at": "updated_at",
	})
	exprValues = merge(exprValues, live.Values, map[string]types.AttributeValue{
		":updated_at": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
	})

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.TableName(recordType)),
		Key:                       key,
		UpdateExpression:          aws.String("SET " + strings.Join(setClauses, ", ")),
		ConditionExpression:       aws.String(LiveItemCondition()),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return aggregate.ErrParentNotFound
		}
		return err
	}
	return nil
}

// Aggregate implements aggregate.RecordStore. It queries the GSI on the
// foreign key and aggregates the matching live items client-side. The depth
// hint is ignored; DynamoDB queries never join.
//
// When ctx carries a write of q.ChildType made by this Store, the written
// item replaces whatever the index returns for its id, since the index may
// not reflect the write yet.
func (s *Store) Aggregate(ctx context.Context, q aggregate.Query) (float64, bool, error) {
	parentID, ok := q.Filter[q.GroupBy]
	if !ok {
		return 0, false, fmt.Errorf("aggregate %s: filter has no %s", q.ChildType, q.GroupBy)
	}
	keyVal, err := attributevalue.Marshal(parentID)
	if err != nil {
		return 0, false, fmt.Errorf("marshal %s: %w", q.GroupBy, err)
	}
	filter := map[string]types.AttributeValue{q.GroupBy: keyVal}

	live := LiveFilter(time.Now())
	exprNames := merge(live.Names, map[string]string{"#fk": q.GroupBy})
	exprValues := merge(live.Values, map[string]types.AttributeValue{":fk": keyVal})

	conds := make([]string, 0, len(q.Filter))
	for i, attr := range sortedKeys(q.Filter) {
		if attr == q.GroupBy {
			continue
		}
		av, err := attributevalue.Marshal(q.Filter[attr])
		if err != nil {
			return 0, false, fmt.Errorf("marshal condition %s: %w", attr, err)
		}
		nameKey := fmt.Sprintf("#c%d", i)
		valueKey := fmt.Sprintf(":c%d", i)
		exprNames[nameKey] = attr
		exprValues[valueKey] = av
		filter[attr] = av
		conds = append(conds, fmt.Sprintf("%s = %s", nameKey, valueKey))
	}
	filterExpr := live.Text
	if len(conds) > 0 {
		filterExpr = fmt.Sprintf("(%s) AND (%s)", strings.Join(conds, " AND "), filterExpr)
	}

	written := pendingFor(ctx, q.ChildType)

	// Paginate through the whole group
	var values []float64
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.TableName(q.ChildType)),
		IndexName:                 aws.String(s.config.IndexName(q.GroupBy)),
		KeyConditionExpression:    aws.String("#fk = :fk"),
		FilterExpression:          aws.String(filterExpr),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, false, err
		}
		for _, raw := range page.Items {
			if written != nil && written.replaces(raw, s.config.IDAttr) {
				continue
			}
			values = appendField(values, q, raw)
		}
	}
	if written != nil && written.matches(filter) {
		values = appendField(values, q, written.item)
	}

	v, ok := aggregate.Compute(q.Function, values)
	return v, ok, nil
}

// appendField adds the value of q.Field in raw to values. Count adds 1 for
// any non-null value; other functions take numbers only.
func appendField(values []float64, q aggregate.Query, raw map[string]types.AttributeValue) []float64 {
	av, present := raw[q.Field]
	if !present {
		return values
	}
	if q.Function == aggregate.Count {
		if _, isNull := av.(*types.AttributeValueMemberNULL); !isNull {
			values = append(values, 1)
		}
		return values
	}
	if v, ok := numberValue(av); ok {
		values = append(values, v)
	}
	return values
}

// setExpression builds SET clauses for the user attributes of item, in
// attribute name order. Managed attributes and the id are skipped.
func (s *Store) setExpression(item map[string]types.AttributeValue) ([]string, map[string]string, map[string]types.AttributeValue) {
	var clauses []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{}

	i := 0
	for _, k := range sortedKeys(item) {
		if k == s.config.IDAttr || managedAttrs[k] {
			continue
		}
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		names[nameKey] = k
		values[valueKey] = item[k]
		clauses = append(clauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
		i++
	}
	return clauses, names, values
}

// tracks reports whether writes of recordType need hook processing.
func (s *Store) tracks(recordType string) bool {
	return s.hooks != nil && s.hooks.Tracks(recordType)
}

// record decodes raw items into an aggregate.Record.
func (s *Store) record(recordType string, raw, original map[string]types.AttributeValue) (*aggregate.Record, error) {
	rec := &aggregate.Record{Type: recordType, Attrs: map[string]any{}}
	if err := attributevalue.UnmarshalMap(raw, &rec.Attrs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", recordType, err)
	}
	if original != nil {
		rec.Original = map[string]any{}
		if err := attributevalue.UnmarshalMap(original, &rec.Original); err != nil {
			return nil, fmt.Errorf("decode %s: %w", recordType, err)
		}
	}
	rec.ID = rec.Attrs[s.config.IDAttr]
	return rec, nil
}

// beforeWrite snapshots foreign keys when recordType is tracked.
func (s *Store) beforeWrite(ctx context.Context, recordType string, raw, original map[string]types.AttributeValue) (*aggregate.Record, *aggregate.Snapshot, error) {
	if !s.tracks(recordType) {
		return nil, nil, nil
	}
	rec, err := s.record(recordType, raw, original)
	if err != nil {
		return nil, nil, err
	}
	return rec, s.hooks.BeforeWrite(ctx, rec), nil
}

// afterWrite recomputes aggregates. Failures are logged; the write stands.
func (s *Store) afterWrite(ctx context.Context, rec *aggregate.Record, snap *aggregate.Snapshot, isNew bool) {
	if rec == nil {
		return
	}
	if err := s.hooks.AfterWrite(ctx, rec, snap, isNew); err != nil {
		s.logger.Warn("aggregate cache not updated after write",
			"recordType", rec.Type,
			"id", rec.ID,
			"error", err,
		)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
