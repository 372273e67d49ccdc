package store_test

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tally/store"
)

// fakeDynamo is an in-memory stand-in for the DynamoDB API that understands
// the expressions the Store builds.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue

	pageSize  int
	queryErr  error
	updateErr error

	// index, when set, is what Query reads instead of the tables, like a
	// GSI that has not caught up with recent writes.
	index map[string]map[string]map[string]types.AttributeValue

	queries []*dynamodb.QueryInput
	updates []*dynamodb.UpdateItemInput
	puts    []*dynamodb.PutItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) item(table, id string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table][id]
}

func (f *fakeDynamo) seed(table, id string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]types.AttributeValue)
	}
	item["id"] = &types.AttributeValueMemberS{Value: id}
	f.tables[table][id] = item
}

// freezeIndex stops Query from seeing writes made after the call.
func (f *fakeDynamo) freezeIndex() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = make(map[string]map[string]map[string]types.AttributeValue, len(f.tables))
	for table, items := range f.tables {
		f.index[table] = make(map[string]map[string]types.AttributeValue, len(items))
		for id, item := range items {
			f.index[table][id] = item
		}
	}
}

func keyID(key map[string]types.AttributeValue) string {
	if s, ok := key["id"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func avEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: copyItem(f.tables[*in.TableName][keyID(in.Key)])}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)

	table := *in.TableName
	id := keyID(in.Item)
	if _, exists := f.tables[table][id]; exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]types.AttributeValue)
	}
	f.tables[table][id] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}

	table := *in.TableName
	id := keyID(in.Key)
	item, exists := f.tables[table][id]
	_, hasTTL := item["ttl"]

	var ok bool
	switch *in.ConditionExpression {
	case "#version = :expected_version AND attribute_not_exists(#ttl)":
		ok = exists && !hasTTL && avEqual(item["version"], in.ExpressionAttributeValues[":expected_version"])
	case "attribute_not_exists(#ttl)":
		ok = !hasTTL
	case store.LiveItemCondition():
		ok = exists && !store.IsDeleted(item)
	default:
		return nil, fmt.Errorf("fake: unsupported condition %q", *in.ConditionExpression)
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}

	if !exists {
		item = copyItem(in.Key)
	} else {
		item = copyItem(item)
	}
	for _, clause := range strings.Split(strings.TrimPrefix(*in.UpdateExpression, "SET "), ", ") {
		lhs, rhs, _ := strings.Cut(clause, " = ")
		attr := in.ExpressionAttributeNames[lhs]
		if base, inc, isAdd := strings.Cut(rhs, " + "); isAdd {
			cur, _ := strconv.ParseFloat(item[in.ExpressionAttributeNames[base]].(*types.AttributeValueMemberN).Value, 64)
			delta, _ := strconv.ParseFloat(in.ExpressionAttributeValues[inc].(*types.AttributeValueMemberN).Value, 64)
			item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(cur+delta, 'f', -1, 64)}
			continue
		}
		item[attr] = in.ExpressionAttributeValues[rhs]
	}
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]types.AttributeValue)
	}
	f.tables[table][id] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	source := f.tables
	if f.index != nil {
		source = f.index
	}
	ids := make([]string, 0, len(source[*in.TableName]))
	for id := range source[*in.TableName] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := keyID(in.ExclusiveStartKey)
	var matched []map[string]types.AttributeValue
	for _, id := range ids {
		if start != "" && id <= start {
			continue
		}
		item := source[*in.TableName][id]
		if !avEqual(item[in.ExpressionAttributeNames["#fk"]], in.ExpressionAttributeValues[":fk"]) {
			continue
		}
		if store.IsDeleted(item) {
			continue
		}
		if !f.matchConditions(item, in) {
			continue
		}
		matched = append(matched, copyItem(item))
	}

	out := &dynamodb.QueryOutput{Items: matched}
	if f.pageSize > 0 && len(matched) > f.pageSize {
		out.Items = matched[:f.pageSize]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"id": out.Items[f.pageSize-1]["id"]}
	}
	return out, nil
}

func (f *fakeDynamo) matchConditions(item map[string]types.AttributeValue, in *dynamodb.QueryInput) bool {
	for nameKey, attr := range in.ExpressionAttributeNames {
		if !strings.HasPrefix(nameKey, "#c") {
			continue
		}
		want := in.ExpressionAttributeValues[":"+strings.TrimPrefix(nameKey, "#")]
		if !avEqual(item[attr], want) {
			return false
		}
	}
	return true
}
