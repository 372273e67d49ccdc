// Package stream provides a DynamoDB Streams handler that maintains aggregate
// caches from child table change records.
//
// Use it instead of hooking [store.Store] writes when children are written by
// other services. Stream images carry both the old and the new item, so the
// old foreign key is taken from the OldImage rather than from a prior read.
package stream

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/tally/aggregate"
)

// Handler processes DynamoDB stream events for aggregate maintenance.
type Handler struct {
	hooks  *aggregate.Hooks
	tables map[string]string
	logger *slog.Logger
}

// NewHandler creates a new stream handler. tables maps source table names to
// record types; tables not listed use the table name as the type.
func NewHandler(hooks *aggregate.Hooks, tables map[string]string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if tables == nil {
		tables = map[string]string{}
	}
	return &Handler{
		hooks:  hooks,
		tables: tables,
		logger: logger,
	}
}

// HandleAggregates replays stream records through the aggregate hooks.
// This function is designed to be used as an AWS Lambda handler.
// Cache failures are logged and not returned, so the batch is never retried
// for them.
func (h *Handler) HandleAggregates(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Warn("aggregate cache not updated",
				"eventID", record.EventID,
				"eventName", record.EventName,
				"error", err,
			)
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	recordType := h.recordType(record.EventSourceArn)
	if !h.hooks.Tracks(recordType) {
		return nil
	}

	oldTTL := getNumberAttr(record.Change.OldImage, "ttl")
	newTTL := getNumberAttr(record.Change.NewImage, "ttl")

	switch record.EventName {
	case "INSERT":
		rec := &aggregate.Record{Type: recordType, Attrs: ImageAttrs(record.Change.NewImage)}
		rec.ID = rec.Attrs["id"]
		snap := h.hooks.BeforeWrite(ctx, rec)
		return h.hooks.AfterWrite(ctx, rec, snap, true)

	case "MODIFY":
		// Changes to soft-deleted items don't affect any group
		if oldTTL != 0 {
			return nil
		}
		if newTTL != 0 {
			return h.remove(ctx, recordType, record.Change.OldImage)
		}
		rec := &aggregate.Record{
			Type:     recordType,
			Attrs:    ImageAttrs(record.Change.NewImage),
			Original: ImageAttrs(record.Change.OldImage),
		}
		rec.ID = rec.Attrs["id"]
		snap := h.hooks.BeforeWrite(ctx, rec)
		return h.hooks.AfterWrite(ctx, rec, snap, false)

	case "REMOVE":
		// TTL expiry of an item already handled as a soft delete
		if oldTTL != 0 {
			return nil
		}
		return h.remove(ctx, recordType, record.Change.OldImage)
	}
	return nil
}

func (h *Handler) remove(ctx context.Context, recordType string, oldImage map[string]events.DynamoDBAttributeValue) error {
	rec := &aggregate.Record{Type: recordType, Attrs: ImageAttrs(oldImage)}
	rec.ID = rec.Attrs["id"]

	h.logger.Debug("processing aggregate delete",
		"recordType", recordType,
		"id", rec.ID,
	)

	snap := h.hooks.BeforeDelete(ctx, rec)
	return h.hooks.AfterDelete(ctx, rec, snap)
}

// recordType resolves the record type from a stream ARN of the form
// arn:aws:dynamodb:<region>:<account>:table/<table>/stream/<label>.
func (h *Handler) recordType(sourceARN string) string {
	table := TableFromARN(sourceARN)
	if t, ok := h.tables[table]; ok {
		return t
	}
	return table
}

// TableFromARN extracts the table name from a DynamoDB stream ARN.
func TableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// ImageAttrs converts a DynamoDB stream image to plain Go values, decoding
// numbers as float64 like attributevalue does.
func ImageAttrs(image map[string]events.DynamoDBAttributeValue) map[string]any {
	out := make(map[string]any, len(image))
	for k, v := range image {
		out[k] = streamValue(v)
	}
	return out
}

func streamValue(v events.DynamoDBAttributeValue) any {
	switch v.DataType() {
	case events.DataTypeString:
		return v.String()
	case events.DataTypeNumber:
		f, err := strconv.ParseFloat(v.Number(), 64)
		if err != nil {
			return v.Number()
		}
		return f
	case events.DataTypeBoolean:
		return v.Boolean()
	case events.DataTypeBinary:
		return v.Binary()
	case events.DataTypeNull:
		return nil
	case events.DataTypeStringSet:
		return v.StringSet()
	case events.DataTypeNumberSet:
		return v.NumberSet()
	case events.DataTypeBinarySet:
		return v.BinarySet()
	case events.DataTypeList:
		list := v.List()
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = streamValue(item)
		}
		return out
	case events.DataTypeMap:
		return ImageAttrs(v.Map())
	}
	return nil
}
