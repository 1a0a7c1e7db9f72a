// Package biencoder trains dual-encoder retrieval models in Go.
//
// A bi-encoder maps queries and passages into a shared vector space with two
// text encoders (tied or untied), so relevance is scored by vector
// similarity. The package covers the full training pipeline: sentence
// pooling over backbone hidden states, an optional learned projection head,
// temperature-scaled similarity, implicit or teacher-distilled target
// construction, several contrastive loss formulations, and cross-replica
// negative sharing for large-batch contrastive training.
//
// # Basic Usage
//
// Assemble a model from configuration and run a training forward pass:
//
//	cfg := config.ModelConfig{
//		ModelNameOrPath:       "path/to/encoder",
//		SentencePoolingMethod: "mean",
//		Temperature:           0.02,
//		LossType:              "softmax",
//		Normalize:             true,
//	}
//	model, err := biencoder.Build(cfg, nil, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	model.SetTraining(true)
//
//	out, err := model.Forward(queryBatch, passageBatch, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	out.Loss.Backward()
//
// Encoding a single side returns embeddings without scores or loss:
//
//	out, err := model.Forward(queryBatch, nil, nil)
//	// out.QReps holds the query embeddings.
//
// # Distributed Negatives
//
// With NegativesXDevice set, pass a dist.Context so each replica trains
// against the union of all in-flight passages:
//
//	group, _ := dist.NewLocalGroup(4)
//	ctx, _ := group.Context(rank)
//	model, err := biencoder.Build(cfg, ctx, logger)
package biencoder
