package consts

const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelInstance  = "app.kubernetes.io/instance"
	LabelNfsBucket = "cx.ael.local/nfsbucket"

	// the volume is cluster scoped, this label is the only way back to the namespace of its request
	LabelNfsBucketNamespace = "cx.ael.local/nfsbucket-namespace"

	ManagedByValue = "nfsbucket-operator"

	DependentNameSuffix = "-server"

	// derived names end up in label values and service names, both capped at 63 characters
	MaxRequestNameLength = 63 - len(DependentNameSuffix)

	DataKeyAccessKey = "accessKey"
	DataKeySecretKey = "secretKey"

	// Keys of the substitution map handed to the template renderer.
	ParamBucket               = "bucket"
	ParamServiceAccountSecret = "serviceAccountSecret"
	ParamDependentBaseName    = "dependentBaseName"
	ParamNamespace            = "namespace"
	ParamRequestName          = "requestName"
	ParamImage                = "image"
	ParamReplicas             = "replicas"
	ParamVolumeSize           = "volumeSize"
	ParamStorageClassName     = "storageClassName"

	EventReasonProvisioned       = "Provisioned"
	EventReasonProvisionFailed   = "ProvisionFailed"
	EventReasonDeprovisioned     = "Deprovisioned"
	EventReasonDeprovisionFailed = "DeprovisionFailed"
	EventReasonBucketCheckFailed = "BucketCheckFailed"

	BucketRequiredErrMessage   = "bucket is required"
	SecretRequiredErrMessage   = "service-account-secret is required"
	SecretNotFoundErrMessage   = "the referenced secret does not exist in the namespace"
	BucketImmutableErrMessage  = "bucket is immutable once the request is handled"
	SecretImmutableErrMessage  = "service-account-secret is immutable once the request is handled"
	CRDNotRegisteredErrMessage = "you need to create the CRD with kubectl apply -f config/crd/bases"

	ControllerName = "nfsbucket-controller"
)
