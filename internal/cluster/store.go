// Package cluster reads and writes flags held in OpenFeature FeatureFlag
// custom resources.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/TimurManjosov/flaggate/internal/flagdoc"
	"github.com/TimurManjosov/flaggate/internal/store"
)

// FeatureFlagGVR identifies the OpenFeature FeatureFlag resource.
var FeatureFlagGVR = schema.GroupVersionResource{
	Group:    "core.openfeature.dev",
	Version:  "v1beta1",
	Resource: "featureflags",
}

const (
	DefaultNamespaceTemplate = "flagd-{env}"
	DefaultNameTemplate      = "{env}-app-flags"
)

var flagsPath = []string{"spec", "flagSpec", "flags"}

// Config locates the resource for a (project, env) pair. Templates may use
// {project} and {env}.
type Config struct {
	NamespaceTemplate string
	NameTemplate      string
}

// Store is a FeatureFlag-backed flag store.
type Store struct {
	client dynamic.Interface
	cfg    Config
}

// New creates a store on top of client.
func New(client dynamic.Interface, cfg Config) *Store {
	if cfg.NamespaceTemplate == "" {
		cfg.NamespaceTemplate = DefaultNamespaceTemplate
	}
	if cfg.NameTemplate == "" {
		cfg.NameTemplate = DefaultNameTemplate
	}
	return &Store{client: client, cfg: cfg}
}

// NewForKubeconfig builds the client from the in-cluster service account when
// running in a pod, otherwise from kubeconfig (or the default location).
func NewForKubeconfig(kubeconfig string, cfg Config) (*Store, error) {
	restCfg, err := restConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("cluster: load config: %w", err)
	}
	client, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: create client: %w", err)
	}
	return New(client, cfg), nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return rest.InClusterConfig()
	}
	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// Locate returns the namespace and name of the resource for project/env.
func (s *Store) Locate(project, env string) (namespace, name string) {
	r := strings.NewReplacer("{project}", project, "{env}", env)
	return r.Replace(s.cfg.NamespaceTemplate), r.Replace(s.cfg.NameTemplate)
}

// Read returns the flags of the resource. A missing resource is
// store.ErrNotFound.
func (s *Store) Read(ctx context.Context, project, env string) (map[string]flagdoc.Definition, error) {
	obj, err := s.get(ctx, project, env)
	if err != nil {
		return nil, err
	}
	raw, _, err := unstructured.NestedMap(obj.Object, flagsPath...)
	if err != nil {
		return nil, fmt.Errorf("cluster: read %s: %w", strings.Join(flagsPath, "."), err)
	}
	flags := map[string]flagdoc.Definition{}
	if len(raw) == 0 {
		return flags, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("cluster: encode flags: %w", err)
	}
	if err := json.Unmarshal(b, &flags); err != nil {
		return nil, fmt.Errorf("cluster: decode flags: %w", err)
	}
	return flags, nil
}

// Write sets updates on the resource and updates it with the resourceVersion
// that was read. A concurrent modification surfaces as store.ErrConflict.
func (s *Store) Write(ctx context.Context, project, env string, updates map[string]flagdoc.Definition) error {
	obj, err := s.get(ctx, project, env)
	if err != nil {
		return err
	}
	flags, _, err := unstructured.NestedMap(obj.Object, flagsPath...)
	if err != nil || flags == nil {
		flags = map[string]any{}
	}
	for name, def := range updates {
		v, err := toJSONValue(def)
		if err != nil {
			return fmt.Errorf("cluster: encode %s: %w", name, err)
		}
		flags[name] = v
	}
	if err := unstructured.SetNestedMap(obj.Object, flags, flagsPath...); err != nil {
		return fmt.Errorf("cluster: set flags: %w", err)
	}

	namespace, name := s.Locate(project, env)
	_, err = s.client.Resource(FeatureFlagGVR).Namespace(namespace).Update(ctx, obj, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return &store.ConflictError{Path: namespace + "/" + name, ExpectedRevision: obj.GetResourceVersion()}
	}
	if err != nil {
		return remoteError("update featureflag", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, project, env string) (*unstructured.Unstructured, error) {
	namespace, name := s.Locate(project, env)
	obj, err := s.client.Resource(FeatureFlagGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("featureflag %s/%s: %w", namespace, name, store.ErrNotFound)
	}
	if err != nil {
		return nil, remoteError("get featureflag", err)
	}
	return obj, nil
}

// toJSONValue converts a definition to the plain JSON types unstructured
// content is made of.
func toJSONValue(def flagdoc.Definition) (any, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func remoteError(op string, err error) error {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return &store.RemoteError{Op: op, StatusCode: int(status.Status().Code), Body: status.Status().Message}
	}
	return &store.RemoteError{Op: op, StatusCode: http.StatusBadGateway, Body: err.Error()}
}
