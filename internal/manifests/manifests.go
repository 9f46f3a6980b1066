package manifests

import (
	"bytes"
	"embed"
	"fmt"
	"reflect"
	"strconv"
	"text/template"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ael-cx/nfsbucket-operator/internal/config"
	"github.com/ael-cx/nfsbucket-operator/pkg/consts"
)

//go:embed templates/*.yaml
var templatesFS embed.FS

// Kind enumerates the dependent resources of an NfsBucket. The set is closed.
type Kind string

const (
	Workload    Kind = "Workload"
	Service     Kind = "Service"
	Volume      Kind = "Volume"
	VolumeClaim Kind = "VolumeClaim"
)

// Kinds lists every dependent kind in provisioning order.
var Kinds = []Kind{Workload, Service, Volume, VolumeClaim}

func (k Kind) templateFile() string {
	switch k {
	case Workload:
		return "templates/workload.yaml"
	case Service:
		return "templates/service.yaml"
	case Volume:
		return "templates/volume.yaml"
	case VolumeClaim:
		return "templates/volumeclaim.yaml"
	}
	return ""
}

// Namespaced is false for the Volume, which lives at cluster scope.
func (k Kind) Namespaced() bool {
	return k != Volume
}

// NewObject returns an empty object of the Go type backing the kind.
func (k Kind) NewObject() client.Object {
	switch k {
	case Workload:
		return &corev1.ReplicationController{}
	case Service:
		return &corev1.Service{}
	case Volume:
		return &corev1.PersistentVolume{}
	case VolumeClaim:
		return &corev1.PersistentVolumeClaim{}
	}
	return nil
}

// Renderer resolves a kind to a fully substituted resource.
type Renderer interface {
	Render(kind Kind, params map[string]string) (client.Object, error)
}

// TemplateRenderer renders the embedded yaml templates. Caller params take precedence over the defaults.
type TemplateRenderer struct {
	defaults  map[string]string
	templates map[Kind]*template.Template
	decoder   runtime.Decoder
}

var _ Renderer = &TemplateRenderer{}

func NewTemplateRenderer(defaults map[string]string) (*TemplateRenderer, error) {
	funcs := template.FuncMap{"quote": strconv.Quote}

	templates := make(map[Kind]*template.Template, len(Kinds))
	for _, kind := range Kinds {
		raw, err := templatesFS.ReadFile(kind.templateFile())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", kind, err)
		}
		tmpl, err := template.New(string(kind)).Funcs(funcs).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", kind, err)
		}
		templates[kind] = tmpl
	}

	return &TemplateRenderer{
		defaults:  defaults,
		templates: templates,
		decoder:   serializer.NewCodecFactory(clientgoscheme.Scheme).UniversalDeserializer(),
	}, nil
}

// DefaultsFromConfig returns the template parameters that come from the operator configuration.
func DefaultsFromConfig(cfg *config.Config) map[string]string {
	return map[string]string{
		consts.ParamImage:            cfg.Server.Image,
		consts.ParamReplicas:         strconv.Itoa(int(cfg.Server.Replicas)),
		consts.ParamVolumeSize:       cfg.Volume.Size,
		consts.ParamStorageClassName: cfg.Volume.StorageClassName,
	}
}

func (tr *TemplateRenderer) Render(kind Kind, params map[string]string) (client.Object, error) {
	tmpl, ok := tr.templates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", kind)
	}

	values := make(map[string]string, len(tr.defaults)+len(params))
	for key, value := range tr.defaults {
		values[key] = value
	}
	for key, value := range params {
		values[key] = value
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return nil, fmt.Errorf("failed to render %s template: %w", kind, err)
	}

	decoded, _, err := tr.decoder.Decode(buf.Bytes(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered %s: %w", kind, err)
	}
	obj, ok := decoded.(client.Object)
	if !ok || reflect.TypeOf(obj) != reflect.TypeOf(kind.NewObject()) {
		return nil, fmt.Errorf("%s template rendered an unexpected %T", kind, decoded)
	}
	return obj, nil
}
