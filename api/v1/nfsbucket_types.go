/*
Copyright 2023.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// NfsBucketSpec defines the desired state of NfsBucket
type NfsBucketSpec struct {
	// bucket exported by the NFS server
	// +kubebuilder:validation:Required
	Bucket string `json:"bucket"`

	// name of the secret holding the credentials used to mount the bucket
	// +kubebuilder:validation:Required
	ServiceAccountSecret string `json:"service-account-secret"`

	// set by the controller once all dependent resources are provisioned
	// +kubebuilder:validation:Optional
	// +kubebuilder:default=false
	Handled bool `json:"handled,omitempty"`
}

//+kubebuilder:object:root=true
// +kubebuilder:printcolumn:name="BUCKET",type=string,JSONPath=`.spec.bucket`
// +kubebuilder:printcolumn:name="HANDLED",type=boolean,JSONPath=`.spec.handled`
// +kubebuilder:resource:shortName=nfsb

// NfsBucket is the Schema for the nfsbuckets API
type NfsBucket struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Spec is nil for partial objects, which the controller skips.
	Spec *NfsBucketSpec `json:"spec,omitempty"`
}

//+kubebuilder:object:root=true

// NfsBucketList contains a list of NfsBucket
type NfsBucketList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []NfsBucket `json:"items"`
}

// IsHandled reports whether the controller already provisioned this request.
func (nb *NfsBucket) IsHandled() bool {
	return nb.Spec != nil && nb.Spec.Handled
}

func init() {
	SchemeBuilder.Register(&NfsBucket{}, &NfsBucketList{})
}
