package store

import (
	"bytes"
	"context"
	"reflect"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type pendingKey struct{}

// pending is the item a write has just stored, or the id it has just
// deleted. GSI queries are eventually consistent, so aggregates computed
// right after the write substitute it for whatever the index returns.
type pending struct {
	recordType string
	id         types.AttributeValue
	// item is nil for deletes.
	item map[string]types.AttributeValue
}

func withPending(ctx context.Context, recordType string, id types.AttributeValue, item map[string]types.AttributeValue) context.Context {
	return context.WithValue(ctx, pendingKey{}, &pending{recordType: recordType, id: id, item: item})
}

// pendingFor returns the pending write of ctx when it is of recordType.
func pendingFor(ctx context.Context, recordType string) *pending {
	p, ok := ctx.Value(pendingKey{}).(*pending)
	if !ok || p.recordType != recordType || p.id == nil {
		return nil
	}
	return p
}

// replaces reports whether raw, as returned by the index, is the pending
// record.
func (p *pending) replaces(raw map[string]types.AttributeValue, idAttr string) bool {
	return sameValue(raw[idAttr], p.id)
}

// matches reports whether the pending item is live and has every attribute
// of filter.
func (p *pending) matches(filter map[string]types.AttributeValue) bool {
	if p.item == nil || IsDeleted(p.item) {
		return false
	}
	for attr, want := range filter {
		if !sameValue(p.item[attr], want) {
			return false
		}
	}
	return true
}

// sameValue compares attribute values the way DynamoDB equality does:
// numbers by value, everything else by type and content.
func sameValue(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		x, errX := strconv.ParseFloat(av.Value, 64)
		y, errY := strconv.ParseFloat(bv.Value, 64)
		if errX != nil || errY != nil {
			return av.Value == bv.Value
		}
		return x == y
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		return ok && bytes.Equal(av.Value, bv.Value)
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	}
	return reflect.DeepEqual(a, b)
}
