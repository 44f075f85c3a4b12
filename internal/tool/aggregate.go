package tool

import "context"

// AggregateTool reports record counts over the configured collections,
// optionally filtered on one payload field.
type AggregateTool struct{}

func NewAggregateTool() *AggregateTool { return &AggregateTool{} }

func (t *AggregateTool) Name() string { return "aggregate" }

func (t *AggregateTool) Description() string {
	return "Count records in the connected collections, optionally filtered by a field value. Use for 'how many' questions."
}

func (t *AggregateTool) Status() string { return "Aggregating collections" }

func (t *AggregateTool) Terminal() bool { return false }

func (t *AggregateTool) Inputs() Schema {
	return Schema{
		"collection_names": {
			Type:        ListOf(KindString),
			Description: "Collections to aggregate over. Defaults to the collections the user selected.",
		},
		"filter_field": {
			Type:        Scalar(KindString),
			Description: "Payload field to filter on, if any.",
		},
		"filter_value": {
			Type:        Scalar(KindString),
			Description: "Value the filter field must equal.",
		},
	}
}

func (t *AggregateTool) Available(_ context.Context, d *Data) bool {
	return len(d.CollectionNames) > 0
}

func (t *AggregateTool) Call(ctx context.Context, args CallArgs) <-chan Yield {
	return stream(ctx, func(emit func(Yield) bool) {
		collections := StringListInput(args.Inputs, "collection_names")
		if len(collections) == 0 {
			collections = args.Data.CollectionNames
		}
		var filter map[string]any
		if field := StringInput(args.Inputs, "filter_field"); field != "" {
			filter = map[string]any{field: StringInput(args.Inputs, "filter_value")}
		}

		store, release, err := args.Pool.Acquire(ctx)
		if err != nil {
			emit(Errorf("database unavailable: %v", err))
			return
		}
		defer release()

		counts := make([]map[string]any, 0, len(collections))
		for _, collection := range collections {
			if !emit(Status("Counting %s", collection)) {
				return
			}
			n, err := store.CountByFilter(ctx, collection, filter)
			if err != nil {
				if !emit(Errorf("count %s failed: %v", collection, err)) {
					return
				}
				continue
			}
			counts = append(counts, map[string]any{"collection": collection, "count": n})
		}

		res := Result(counts,
			map[string]any{"filter": filter},
			"Record counts for the requested collections.",
		).WithRoute(t.Name(), "counts")
		if !emit(res) {
			return
		}
		emit(Completed())
	})
}
