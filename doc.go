// Package regtrack trains scikit-learn style regressors on synthetic data and
// records every training as an MLflow-compatible tracked run.
//
// The regtrack command runs the reference pipeline: it generates 100 samples
// with 5 features (noise 0.1, seed 42), splits them 80/20, sets the
// "dummy-regressor" experiment, fits a LinearRegression inside a run with
// autologging enabled and predicts the held-out rows.
//
// # Quick Start
//
//	client, err := tracking.NewClient(ctx, os.Getenv("MLFLOW_TRACKING_URI"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := pipeline.Run(ctx, client, pipeline.DefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.RunID, res.Predictions)
//
// # Packages
//
//   - sklearn/datasets: make_regression style synthetic data
//   - sklearn/model_selection: train_test_split
//   - sklearn/linear_model: ordinary least squares LinearRegression
//   - metrics: regression metrics (MSE, RMSE, MAE, R²)
//   - core/model: estimator interfaces, weight export and persistence
//   - core/parallel: row-chunked parallel loops
//   - tracking: experiments, runs, scoped runs and the Store registry
//   - tracking/filestore, tracking/sqlstore, tracking/reststore: backends
//   - tracking/artifacts: local, S3 and proxied artifact repositories
//   - tracking/autolog: automatic logging of Fit and Predict
//   - tracking/models: the go_linear model flavor
//   - tracking/server: MLflow REST API server with an artifact proxy
//   - tracking/archive: tar.xz run export
//   - pipeline: the reference training pipeline
//
// # Tracking URIs
//
//   - ./mlruns, file:///abs/mlruns: local file store (default)
//   - sqlite:///mlflow.db, postgresql://user@host/db: SQL store
//   - http://host:5000: a tracking server started with "regtrack server"
package regtrack
