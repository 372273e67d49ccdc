//go:build e2e

// Package e2e contains end-to-end integration tests using real DynamoDB tables.
// Run with: go test -tags=e2e -v ./e2e/...
package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/tally/aggregate"
	"github.com/jacentio/tally/store"
)

// Table names are unique per test run to avoid conflicts.
const tablePrefix = "tally-e2e-test"

var (
	testID        string
	postsTable    string
	commentsTable string

	ddbClient *dynamodb.Client
	testStore *store.Store
	testHooks *aggregate.Hooks
)

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	postsTable = fmt.Sprintf("%s-%s-posts", tablePrefix, testID)
	commentsTable = fmt.Sprintf("%s-%s-comments", tablePrefix, testID)

	fmt.Printf("Test ID: %s\n", testID)
	fmt.Printf("Tables:\n")
	fmt.Printf("  - Posts: %s\n", postsTable)
	fmt.Printf("  - Comments: %s\n", commentsTable)

	// Uses AWS_PROFILE / AWS_REGION from the environment
	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fmt.Printf("Failed to load AWS config: %v\n", err)
		os.Exit(1)
	}
	ddbClient = dynamodb.NewFromConfig(cfg)

	if err := createTables(ctx); err != nil {
		fmt.Printf("Failed to create tables: %v\n", err)
		os.Exit(1)
	}

	if err := setupStore(ctx); err != nil {
		fmt.Printf("Failed to set up store: %v\n", err)
		_ = deleteTables(ctx)
		os.Exit(1)
	}

	code := m.Run()

	if err := deleteTables(ctx); err != nil {
		fmt.Printf("Failed to delete tables: %v\n", err)
	}
	os.Exit(code)
}

func setupStore(ctx context.Context) error {
	reg := store.NewRegistry()
	reg.Register(store.Relationship{
		Name:       "Posts",
		ChildType:  "comments",
		ParentType: "posts",
		ForeignKey: "post_id",
	})

	rules := aggregate.NewRegistry()
	if err := rules.Register("comments", aggregate.RuleSpec{
		Field: "rating",
		Model: "Posts",
		Functions: map[aggregate.Function]string{
			aggregate.Count: "comment_count",
			aggregate.Avg:   "average_rating",
			aggregate.Max:   "best_rating",
		},
	}); err != nil {
		return err
	}

	sc := store.DefaultConfig()
	sc.Tables["posts"] = postsTable
	sc.Tables["comments"] = commentsTable
	testStore = store.New(ddbClient, sc)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	hooks, err := aggregate.New(ctx, aggregate.Config{
		Rules:  rules,
		Schema: reg,
		Store:  testStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	testHooks = hooks
	testStore.SetHooks(hooks, logger)
	return nil
}

func createTables(ctx context.Context) error {
	fmt.Println("Creating test tables...")

	_, err := ddbClient.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(postsTable),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", postsTable, err)
	}

	// Comments are queried by post through a GSI on the foreign key
	_, err = ddbClient.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(commentsTable),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("post_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String("post_id-index"),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("post_id"), KeyType: types.KeyTypeHash},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", commentsTable, err)
	}

	for _, tableName := range []string{postsTable, commentsTable} {
		waiter := dynamodb.NewTableExistsWaiter(ddbClient)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(tableName),
		}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", tableName, err)
		}
	}

	fmt.Println("All tables created and active")
	return nil
}

func deleteTables(ctx context.Context) error {
	fmt.Println("Deleting test tables...")

	for _, tableName := range []string{postsTable, commentsTable} {
		_, err := ddbClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(tableName),
		})
		if err != nil {
			fmt.Printf("Warning: failed to delete table %s: %v\n", tableName, err)
		}
	}

	fmt.Println("Tables deleted")
	return nil
}

// --- Helpers ---

func createPost(t *testing.T, ctx context.Context) string {
	t.Helper()
	id := uuid.New().String()
	if err := testStore.Create(ctx, "posts", map[string]types.AttributeValue{
		"id":    &types.AttributeValueMemberS{Value: id},
		"title": &types.AttributeValueMemberS{Value: "Post " + id[:8]},
	}); err != nil {
		t.Fatalf("Create post failed: %v", err)
	}
	return id
}

func createComment(t *testing.T, ctx context.Context, postID string, rating int) string {
	t.Helper()
	id := uuid.New().String()
	if err := testStore.Create(ctx, "comments", map[string]types.AttributeValue{
		"id":      &types.AttributeValueMemberS{Value: id},
		"post_id": &types.AttributeValueMemberS{Value: postID},
		"rating":  &types.AttributeValueMemberN{Value: fmt.Sprint(rating)},
	}); err != nil {
		t.Fatalf("Create comment failed: %v", err)
	}
	return id
}

// waitForCache refreshes the post until its cache matches want. The inline
// recomputation always counts the write that triggered it, but GSI reads are
// eventually consistent, so earlier writes of a quick burst may be missed.
func waitForCache(t *testing.T, ctx context.Context, postID string, want map[string]float64) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	var got map[string]any
	for {
		item, err := testStore.Get(ctx, "posts", postID)
		if err != nil {
			t.Fatalf("Get post failed: %v", err)
		}
		got, err = item.Attrs()
		if err != nil {
			t.Fatalf("Decode post failed: %v", err)
		}
		if matches(got, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("post %s cache never converged: want %v, got %v", postID, want, got)
		}
		time.Sleep(time.Second)
		if err := testHooks.Refresh(ctx, "comments", "Posts", postID); err != nil {
			t.Logf("Refresh failed: %v", err)
		}
	}
}

// assertCache checks the post cache right after a write, without refreshing.
func assertCache(t *testing.T, ctx context.Context, postID string, want map[string]float64) {
	t.Helper()
	item, err := testStore.Get(ctx, "posts", postID)
	if err != nil {
		t.Fatalf("Get post failed: %v", err)
	}
	got, err := item.Attrs()
	if err != nil {
		t.Fatalf("Decode post failed: %v", err)
	}
	if !matches(got, want) {
		t.Errorf("post %s cache: want %v, got %v", postID, want, got)
	}
}

func matches(got map[string]any, want map[string]float64) bool {
	for attr, v := range want {
		if n, ok := got[attr].(float64); !ok || n != v {
			return false
		}
	}
	return true
}

// --- Tests ---

func TestRatingScenario(t *testing.T) {
	ctx := context.Background()
	postID := createPost(t, ctx)

	createComment(t, ctx, postID, 3)
	second := createComment(t, ctx, postID, 5)
	createComment(t, ctx, postID, 4)

	waitForCache(t, ctx, postID, map[string]float64{
		"comment_count":  3,
		"average_rating": 4,
		"best_rating":    5,
	})

	if err := testStore.Delete(ctx, "comments", second); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	waitForCache(t, ctx, postID, map[string]float64{
		"comment_count":  2,
		"average_rating": 3.5,
		"best_rating":    4,
	})
}

func TestInlineRecompute(t *testing.T) {
	ctx := context.Background()
	from := createPost(t, ctx)
	to := createPost(t, ctx)

	commentID := createComment(t, ctx, from, 4)
	assertCache(t, ctx, from, map[string]float64{"comment_count": 1, "average_rating": 4})

	if err := testStore.Update(ctx, "comments", commentID, map[string]types.AttributeValue{
		"post_id": &types.AttributeValueMemberS{Value: to},
	}, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	assertCache(t, ctx, from, map[string]float64{"comment_count": 0})
	assertCache(t, ctx, to, map[string]float64{"comment_count": 1, "best_rating": 4})

	if err := testStore.Delete(ctx, "comments", commentID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	assertCache(t, ctx, to, map[string]float64{"comment_count": 0})
}

func TestMoveComment(t *testing.T) {
	ctx := context.Background()
	from := createPost(t, ctx)
	to := createPost(t, ctx)
	commentID := createComment(t, ctx, from, 2)

	waitForCache(t, ctx, from, map[string]float64{"comment_count": 1})

	if err := testStore.Update(ctx, "comments", commentID, map[string]types.AttributeValue{
		"post_id": &types.AttributeValueMemberS{Value: to},
	}, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	waitForCache(t, ctx, from, map[string]float64{"comment_count": 0, "average_rating": 0})
	waitForCache(t, ctx, to, map[string]float64{"comment_count": 1, "best_rating": 2})
}

func TestOrphanComment(t *testing.T) {
	ctx := context.Background()
	ghost := uuid.New().String()

	createComment(t, ctx, ghost, 1)

	if _, err := testStore.Get(ctx, "posts", ghost); err == nil {
		t.Error("expected missing parent not to be created")
	}
}

func TestCacheWriteKeepsVersion(t *testing.T) {
	ctx := context.Background()
	postID := createPost(t, ctx)
	createComment(t, ctx, postID, 5)
	waitForCache(t, ctx, postID, map[string]float64{"comment_count": 1})

	item, err := testStore.Get(ctx, "posts", postID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Version != 1 {
		t.Errorf("expected cache writes to leave version 1, got %d", item.Version)
	}

	// A client update with the version it read still succeeds.
	if err := testStore.Update(ctx, "posts", postID, map[string]types.AttributeValue{
		"title": &types.AttributeValueMemberS{Value: "renamed"},
	}, item.Version); err != nil {
		t.Errorf("Update failed: %v", err)
	}
}
