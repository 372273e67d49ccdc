package store

import (
	"maps"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ttlAttr holds the soft-delete expiry, in Unix seconds.
const ttlAttr = "ttl"

// IsDeleted reports whether item carries a TTL that has already passed.
func IsDeleted(item map[string]types.AttributeValue) bool {
	n, ok := item[ttlAttr].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(n.Value, 10, 64)
	return err == nil && ttl <= time.Now().Unix()
}

// Expression is a DynamoDB condition or filter with its placeholders.
type Expression struct {
	Text   string
	Names  map[string]string
	Values map[string]types.AttributeValue
}

// LiveFilter matches items that have no TTL or whose TTL is after now.
func LiveFilter(now time.Time) Expression {
	return Expression{
		Text:  "attribute_not_exists(#ttl) OR #ttl > :now",
		Names: map[string]string{"#ttl": ttlAttr},
		Values: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	}
}

// LiveItemCondition requires the item to exist and be live. It uses the
// placeholders of LiveFilter plus #id.
func LiveItemCondition() string {
	return "attribute_exists(#id) AND (" + LiveFilter(time.Time{}).Text + ")"
}

// merge combines placeholder maps; later maps win.
func merge[V any](ms ...map[string]V) map[string]V {
	out := make(map[string]V)
	for _, m := range ms {
		maps.Copy(out, m)
	}
	return out
}
