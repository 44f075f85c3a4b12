package tool

import (
	"context"
)

const defaultQueryLimit = 20

// QueryTool retrieves records from the external vector database by
// full-text match over the configured collections.
type QueryTool struct{}

func NewQueryTool() *QueryTool { return &QueryTool{} }

func (t *QueryTool) Name() string { return "query" }

func (t *QueryTool) Description() string {
	return "Search the connected collections for records matching a query. Use when the user asks about stored data."
}

func (t *QueryTool) Status() string { return "Searching collections" }

func (t *QueryTool) Terminal() bool { return false }

func (t *QueryTool) Inputs() Schema {
	return Schema{
		"search_query": {
			Type:        Scalar(KindString),
			Required:    true,
			Description: "Text to search for, derived from the user's prompt.",
		},
		"collection_names": {
			Type:        ListOf(KindString),
			Description: "Collections to search. Defaults to the collections the user selected.",
		},
		"limit": {
			Type:        Scalar(KindInt),
			Default:     defaultQueryLimit,
			Description: "Maximum records per collection.",
		},
	}
}

func (t *QueryTool) Available(_ context.Context, d *Data) bool {
	return len(d.CollectionNames) > 0
}

func (t *QueryTool) Call(ctx context.Context, args CallArgs) <-chan Yield {
	return stream(ctx, func(emit func(Yield) bool) {
		query := StringInput(args.Inputs, "search_query")
		if query == "" {
			emit(Errorf("query tool called without a search query"))
			return
		}
		collections := StringListInput(args.Inputs, "collection_names")
		if len(collections) == 0 {
			collections = args.Data.CollectionNames
		}
		limit := IntInput(args.Inputs, "limit", defaultQueryLimit)

		store, release, err := args.Pool.Acquire(ctx)
		if err != nil {
			emit(Errorf("database unavailable: %v", err))
			return
		}
		defer release()

		total := 0
		for _, collection := range collections {
			if !emit(Status("Searching %s", collection)) {
				return
			}
			objs, err := store.SearchText(ctx, collection, "content", query, limit)
			if err != nil {
				if !emit(Errorf("search %s failed: %v", collection, err)) {
					return
				}
				continue
			}
			records := make([]map[string]any, 0, len(objs))
			for _, obj := range objs {
				records = append(records, obj.Payload)
			}
			total += len(records)
			res := Result(records,
				map[string]any{"collection": collection, "query": query},
				summarizeHits(collection, query, len(records)),
			).WithRoute(t.Name(), collection)
			if !emit(res) {
				return
			}
		}
		if total == 0 {
			emit(Status("No records matched %q", query))
		}
		emit(Completed())
	})
}

func summarizeHits(collection, query string, n int) string {
	if n == 0 {
		return "No records in " + collection + " matched \"" + query + "\"."
	}
	return "Retrieved records from " + collection + " matching \"" + query + "\"."
}
